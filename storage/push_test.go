package storage

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hieradb/internal/model"
)

func TestGenerateKeyShape(t *testing.T) {
	key := GenerateKey()
	require.Len(t, key, 24)
	require.Equal(t, byte('c'), key[0])
	for i := 1; i < len(key); i++ {
		c := key[i]
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')
		require.True(t, ok, "key %q has non-base36 byte at %d", key, i)
	}
}

func TestGenerateKeyUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10_000)
	for i := 0; i < 10_000; i++ {
		k := GenerateKey()
		_, dup := seen[k]
		require.False(t, dup, "duplicate key %q", k)
		seen[k] = struct{}{}
	}
}

func TestGenerateKeySortsChronologically(t *testing.T) {
	first := GenerateKey()
	time.Sleep(5 * time.Millisecond)
	second := GenerateKey()
	require.Less(t, first, second)
}

func TestPushAppendsUnderGeneratedKeys(t *testing.T) {
	e := openEngine(t, Options{})

	k1, err := e.Push("posts", obj(kv("title", str("hello"))))
	require.NoError(t, err)
	k2, err := e.Push("posts", obj(kv("title", str("world"))))
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	v, err := e.GetValue("posts/"+k1+"/title", ReadOptions{})
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "hello", v.Str)

	var keys []string
	err = e.GetChildren("posts", nil, func(ni model.NodeInfo) bool {
		keys = append(keys, ni.Key)
		return true
	})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	require.ElementsMatch(t, []string{k1, k2}, sorted)
}
