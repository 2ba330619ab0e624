package crdt

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyBetweenBounds(t *testing.T) {
	first := KeyBetween("", "")
	require.NotEmpty(t, first)

	after := KeyBetween(first, "")
	require.Greater(t, after, first)

	before := KeyBetween("", first)
	require.Less(t, before, first)

	mid := KeyBetween(before, after)
	require.Greater(t, mid, before)
	require.Less(t, mid, after)
}

func TestKeyBetweenAdjacentDigits(t *testing.T) {
	k := KeyBetween("i", "j")
	require.Greater(t, k, "i")
	require.Less(t, k, "j")

	k = KeyBetween("i", "i5")
	require.Greater(t, k, "i")
	require.Less(t, k, "i5")
}

func TestKeyBetweenDegradesOnInvertedBounds(t *testing.T) {
	// After a merge sibling keys can end up out of order; the generator
	// appends after the left bound instead of failing.
	k := KeyBetween("m", "c")
	require.Greater(t, k, "m")
}

func TestKeyBetweenZeroUpperBound(t *testing.T) {
	// Nothing sorts strictly below "0"; the bound degrades to a plain
	// append, the same fallback used for inverted bounds.
	require.Equal(t, KeyBetween("", ""), KeyBetween("", "0"))
	require.Equal(t, "a"+KeyBetween("", ""), KeyBetween("a", "a0"))

	// A longer bound under "0" still has room below it.
	k := KeyBetween("", "05")
	require.Greater(t, k, "")
	require.Less(t, k, "05")
}

func TestRepeatedInsertionStaysOrdered(t *testing.T) {
	keys := []string{KeyBetween("", "")}
	for i := 0; i < 100; i++ {
		// Alternate front, back and middle insertions.
		switch i % 3 {
		case 0:
			keys = append(keys, KeyBetween(keys[len(keys)-1], ""))
		case 1:
			keys = append(keys, KeyBetween("", keys[0]))
		default:
			keys = append(keys, KeyBetween(keys[0], keys[1]))
		}
		sort.Strings(keys)
		for j := 1; j < len(keys); j++ {
			require.NotEqual(t, keys[j-1], keys[j], "duplicate key after %d insertions", i+1)
		}
	}
}
