package model

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyWithTs_RoundTrip(t *testing.T) {
	k := KeyWithTs([]byte("user:42"), 17)

	assert.Equal(t, []byte("user:42"), ParseKey(k))
	assert.Equal(t, uint64(17), ParseTs(k))
}

func TestCompareKeys_Ordering(t *testing.T) {
	keys := [][]byte{
		KeyWithTs([]byte("b"), 1),
		KeyWithTs([]byte("a"), 1),
		KeyWithTs([]byte("ab"), 9),
		KeyWithTs([]byte("a"), 5),
		KeyWithTs([]byte("a"), math.MaxUint64),
	}
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })

	want := []struct {
		key string
		ts  uint64
	}{
		{"a", math.MaxUint64}, {"a", 5}, {"a", 1}, {"ab", 9}, {"b", 1},
	}
	for i, w := range want {
		assert.Equal(t, w.key, string(ParseKey(keys[i])))
		assert.Equal(t, w.ts, ParseTs(keys[i]))
	}
}

func TestSameKey(t *testing.T) {
	assert.True(t, SameKey(KeyWithTs([]byte("k"), 1), KeyWithTs([]byte("k"), 2)))
	assert.False(t, SameKey(KeyWithTs([]byte("k"), 1), KeyWithTs([]byte("kk"), 1)))
}
