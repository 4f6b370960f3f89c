package keyindex

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrAddReturnsStableIndices(t *testing.T) {
	kit := New()
	name := kit.GetOrAdd("name")
	kind := kit.GetOrAdd("kind")
	require.Equal(t, 0, name)
	require.Equal(t, 1, kind)
	require.Equal(t, name, kit.GetOrAdd("name"))
	require.Equal(t, 2, kit.Len())
}

func TestLookupRoundTrip(t *testing.T) {
	kit := New("title", "author")
	got, ok := kit.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "author", got)

	_, ok = kit.Lookup(2)
	require.False(t, ok)
	_, ok = kit.Lookup(-1)
	require.False(t, ok)
}

func TestUninternableKeysDecline(t *testing.T) {
	kit := New()
	require.Equal(t, -1, kit.GetOrAdd("naïve"))
	require.Equal(t, -1, kit.GetOrAdd(""))

	long := ""
	for i := 0; i <= MaxInlineKeyLength; i++ {
		long += "k"
	}
	require.Equal(t, -1, kit.GetOrAdd(long))
	require.Equal(t, 0, kit.Len())
}

func TestByteBudgetDeclinesOnceFull(t *testing.T) {
	kit := New()
	// 128-byte keys cost 129 bytes each; the budget admits 31 of them
	// (31*129 = 3999) and declines the 32nd (4128 > MaxTableBytes).
	key := func(i int) string { return fmt.Sprintf("%0*d", MaxInlineKeyLength, i) }
	for i := 0; i < 31; i++ {
		require.Equal(t, i, kit.GetOrAdd(key(i)))
	}
	require.Equal(t, -1, kit.GetOrAdd(key(31)))
	require.Equal(t, 31, kit.Len())

	// Already-interned keys still resolve after the budget closes.
	require.Equal(t, 7, kit.GetOrAdd(key(7)))
}

func TestOnAddFiresForNewKeysOnly(t *testing.T) {
	kit := New("seeded")
	var added []string
	kit.OnAdd(func(k string) { added = append(added, k) })

	kit.GetOrAdd("seeded")
	kit.GetOrAdd("fresh")
	kit.GetOrAdd("fresh")
	require.Equal(t, []string{"fresh"}, added)
	require.Equal(t, []string{"seeded", "fresh"}, kit.Keys())
}

func TestConcurrentInterningIsConsistent(t *testing.T) {
	kit := New()
	var wg sync.WaitGroup
	results := make([][]int, 8)
	for g := 0; g < 8; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[g] = make([]int, 100)
			for i := 0; i < 100; i++ {
				results[g][i] = kit.GetOrAdd(fmt.Sprintf("key%d", i))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, kit.Len())
	for g := 1; g < 8; g++ {
		require.Equal(t, results[0], results[g])
	}
	for i := 0; i < 100; i++ {
		key, ok := kit.Lookup(results[0][i])
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("key%d", i), key)
	}
}
