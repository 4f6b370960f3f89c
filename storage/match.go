package storage

import (
	"fmt"
	"regexp"
	"strings"

	"hieradb/dberrors"
	"hieradb/internal/model"
)

// Criterion is one check of a Matches call, applied to the child of the
// matched node named by Key. Compare carries the single right-hand value;
// Set carries the operand list for in/!in and the [low, high] pair for
// between/!between; Custom is consulted only for Op "custom".
type Criterion struct {
	Key     string
	Op      string
	Compare *model.Value
	Set     []model.Value
	Custom  func(v *model.Value) bool
}

// Matches reports whether the node at path satisfies every criterion. A
// missing node, or a missing child named by a criterion, satisfies only the
// negated operators, except that a "custom" predicate is called with nil
// and decides for itself.
func (e *Engine) Matches(path string, criteria []Criterion) (bool, error) {
	tid := e.newTid()
	for _, c := range criteria {
		childPath := model.Path(path).Child(c.Key)

		if c.Op == "exists" || c.Op == "!exists" {
			ni, err := e.locate(tid, childPath)
			if err != nil {
				return false, err
			}
			if ni.Exists != (c.Op == "exists") {
				return false, nil
			}
			continue
		}

		v, err := e.GetValue(string(childPath), ReadOptions{Tid: tid})
		if err != nil {
			return false, err
		}
		ok, err := matchCriterion(v, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchCriterion(v *model.Value, c Criterion) (bool, error) {
	if c.Op == "custom" {
		if c.Custom == nil {
			return false, dberrors.NewUnsupportedValue(c.Key, fmt.Errorf("storage: custom criterion without a predicate"))
		}
		return c.Custom(v), nil
	}
	if v == nil {
		// Absent values satisfy negated checks and nothing else.
		return strings.HasPrefix(c.Op, "!"), nil
	}

	switch c.Op {
	case "<", "<=", ">", ">=":
		if c.Compare == nil {
			return false, missingOperand(c)
		}
		cmp, comparable := compareValues(*v, *c.Compare)
		if !comparable {
			return false, nil
		}
		switch c.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}

	case "==", "!=":
		if c.Compare == nil {
			return false, missingOperand(c)
		}
		eq := valueEquals(*v, *c.Compare)
		return eq == (c.Op == "=="), nil

	case "in", "!in":
		found := false
		for i := range c.Set {
			if valueEquals(*v, c.Set[i]) {
				found = true
				break
			}
		}
		return found == (c.Op == "in"), nil

	case "matches", "!matches":
		if c.Compare == nil || c.Compare.Type != model.ValueString {
			return false, missingOperand(c)
		}
		if v.Type != model.ValueString {
			return c.Op == "!matches", nil
		}
		re, err := regexp.Compile(c.Compare.Str)
		if err != nil {
			return false, dberrors.NewUnsupportedValue(c.Key, fmt.Errorf("storage: invalid matches pattern: %w", err))
		}
		return re.MatchString(v.Str) == (c.Op == "matches"), nil

	case "between", "!between":
		if len(c.Set) != 2 {
			return false, missingOperand(c)
		}
		lo, okLo := compareValues(*v, c.Set[0])
		hi, okHi := compareValues(*v, c.Set[1])
		in := okLo && okHi && lo >= 0 && hi <= 0
		return in == (c.Op == "between"), nil

	case "has", "!has":
		if c.Compare == nil || c.Compare.Type != model.ValueString {
			return false, missingOperand(c)
		}
		has := false
		if v.Type == model.ValueObject {
			for i := range v.Children {
				if v.Children[i].Key == c.Compare.Str {
					has = true
					break
				}
			}
		}
		return has == (c.Op == "has"), nil

	case "contains", "!contains":
		if c.Compare == nil {
			return false, missingOperand(c)
		}
		contains := false
		if v.Type == model.ValueArray {
			for i := range v.Children {
				if valueEquals(v.Children[i].Value, *c.Compare) {
					contains = true
					break
				}
			}
		}
		return contains == (c.Op == "contains"), nil
	}

	return false, dberrors.NewUnsupportedValue(c.Key, fmt.Errorf("storage: unknown criterion operator %q", c.Op))
}

func missingOperand(c Criterion) error {
	return dberrors.NewUnsupportedValue(c.Key, fmt.Errorf("storage: criterion %q is missing its operand", c.Op))
}

// compareValues orders two scalar values of the same kind. Numbers and
// datetimes order numerically, strings and path references
// lexicographically, booleans false before true.
func compareValues(a, b model.Value) (int, bool) {
	if a.Type != b.Type {
		return 0, false
	}
	switch a.Type {
	case model.ValueNumber:
		switch {
		case a.Num < b.Num:
			return -1, true
		case a.Num > b.Num:
			return 1, true
		}
		return 0, true
	case model.ValueDateTime:
		switch {
		case a.Time < b.Time:
			return -1, true
		case a.Time > b.Time:
			return 1, true
		}
		return 0, true
	case model.ValueString, model.ValueReference:
		return strings.Compare(a.Str, b.Str), true
	case model.ValueBoolean:
		switch {
		case !a.Bool && b.Bool:
			return -1, true
		case a.Bool && !b.Bool:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// valueEquals reports deep structural equality, recursing into composite
// children. Array elements must match positionally; object children match
// by key regardless of order.
func valueEquals(a, b model.Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case model.ValueNumber:
		return a.Num == b.Num
	case model.ValueBoolean:
		return a.Bool == b.Bool
	case model.ValueString, model.ValueReference:
		return a.Str == b.Str
	case model.ValueDateTime:
		return a.Time == b.Time
	case model.ValueBinary:
		if len(a.Bytes) != len(b.Bytes) {
			return false
		}
		for i := range a.Bytes {
			if a.Bytes[i] != b.Bytes[i] {
				return false
			}
		}
		return true
	case model.ValueArray:
		if len(a.Children) != len(b.Children) {
			return false
		}
		for i := range a.Children {
			if !valueEquals(a.Children[i].Value, b.Children[i].Value) {
				return false
			}
		}
		return true
	case model.ValueObject:
		if len(a.Children) != len(b.Children) {
			return false
		}
		bByKey := make(map[string]*model.Value, len(b.Children))
		for i := range b.Children {
			bByKey[b.Children[i].Key] = &b.Children[i].Value
		}
		for i := range a.Children {
			bv, ok := bByKey[a.Children[i].Key]
			if !ok || !valueEquals(a.Children[i].Value, *bv) {
				return false
			}
		}
		return true
	}
	return false
}
