package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hieradb/internal/model"
)

func seedMatchEngine(t *testing.T) *Engine {
	t.Helper()
	e := openEngine(t, Options{})
	require.NoError(t, e.Set("users/u1", obj(
		kv("name", str("alice")),
		kv("age", num(31)),
		kv("active", boolean(true)),
		kv("roles", arr(str("admin"), str("dev"))),
		kv("address", *obj(kv("city", str("berlin")))),
	)))
	return e
}

func crit(key, op string, compare model.Value) Criterion {
	return Criterion{Key: key, Op: op, Compare: &compare}
}

func TestMatchesComparisonOperators(t *testing.T) {
	e := seedMatchEngine(t)

	for _, tc := range []struct {
		name string
		c    Criterion
		want bool
	}{
		{"eq hit", crit("name", "==", str("alice")), true},
		{"eq miss", crit("name", "==", str("bob")), false},
		{"neq", crit("name", "!=", str("bob")), true},
		{"lt", crit("age", "<", num(40)), true},
		{"lte boundary", crit("age", "<=", num(31)), true},
		{"gt miss", crit("age", ">", num(31)), false},
		{"gte boundary", crit("age", ">=", num(31)), true},
		{"type mismatch never orders", crit("name", "<", num(5)), false},
	} {
		got, err := e.Matches("users/u1", []Criterion{tc.c})
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestMatchesSetOperators(t *testing.T) {
	e := seedMatchEngine(t)

	got, err := e.Matches("users/u1", []Criterion{{
		Key: "name", Op: "in", Set: []model.Value{str("bob"), str("alice")},
	}})
	require.NoError(t, err)
	require.True(t, got)

	got, err = e.Matches("users/u1", []Criterion{{
		Key: "age", Op: "between", Set: []model.Value{num(30), num(35)},
	}})
	require.NoError(t, err)
	require.True(t, got)

	got, err = e.Matches("users/u1", []Criterion{{
		Key: "age", Op: "!between", Set: []model.Value{num(40), num(50)},
	}})
	require.NoError(t, err)
	require.True(t, got)
}

func TestMatchesRegexHasContainsExists(t *testing.T) {
	e := seedMatchEngine(t)

	for _, tc := range []struct {
		name string
		c    Criterion
		want bool
	}{
		{"regex hit", crit("name", "matches", str("^ali")), true},
		{"regex miss", crit("name", "!matches", str("^bob")), true},
		{"has property", crit("address", "has", str("city")), true},
		{"has missing property", crit("address", "has", str("zip")), false},
		{"contains element", crit("roles", "contains", str("admin")), true},
		{"not contains", crit("roles", "!contains", str("root")), true},
		{"exists", Criterion{Key: "active", Op: "exists"}, true},
		{"not exists on missing", Criterion{Key: "deletedAt", Op: "!exists"}, true},
	} {
		got, err := e.Matches("users/u1", []Criterion{tc.c})
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestMatchesMissingChildSatisfiesOnlyNegations(t *testing.T) {
	e := seedMatchEngine(t)

	got, err := e.Matches("users/u1", []Criterion{crit("nickname", "==", str("x"))})
	require.NoError(t, err)
	require.False(t, got)

	got, err = e.Matches("users/u1", []Criterion{crit("nickname", "!=", str("x"))})
	require.NoError(t, err)
	require.True(t, got)
}

func TestMatchesNestedKeyAndConjunction(t *testing.T) {
	e := seedMatchEngine(t)

	got, err := e.Matches("users/u1", []Criterion{
		crit("address/city", "==", str("berlin")),
		crit("age", ">", num(18)),
	})
	require.NoError(t, err)
	require.True(t, got)

	got, err = e.Matches("users/u1", []Criterion{
		crit("address/city", "==", str("berlin")),
		crit("age", ">", num(40)),
	})
	require.NoError(t, err)
	require.False(t, got)
}

func TestMatchesCustomPredicate(t *testing.T) {
	e := seedMatchEngine(t)

	got, err := e.Matches("users/u1", []Criterion{{
		Key: "roles", Op: "custom",
		Custom: func(v *model.Value) bool {
			return v != nil && len(v.Children) == 2
		},
	}})
	require.NoError(t, err)
	require.True(t, got)
}

func TestMatchesUnknownOperatorFails(t *testing.T) {
	e := seedMatchEngine(t)
	_, err := e.Matches("users/u1", []Criterion{crit("name", "~=", str("a"))})
	require.Error(t, err)
}

func TestValueEqualsStructural(t *testing.T) {
	a := *obj(kv("x", num(1)), kv("y", arr(str("p"), str("q"))))
	b := *obj(kv("y", arr(str("p"), str("q"))), kv("x", num(1)))
	require.True(t, valueEquals(a, b))

	c := *obj(kv("x", num(1)), kv("y", arr(str("q"), str("p"))))
	require.False(t, valueEquals(a, c))
}
