package sstable

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/storage-engine/internal/model"
)

func buildBlock(t *testing.T, keys ...[]byte) []byte {
	t.Helper()
	var b blockBuilder
	for i, k := range keys {
		b.add(k, model.ValueStruct{Value: []byte{byte(i)}})
	}
	return b.finish()
}

func TestBlock_KeysRoundTrip(t *testing.T) {
	keys := [][]byte{
		model.KeyWithTs([]byte("a"), 1),
		model.KeyWithTs([]byte("ab"), 3),
		model.KeyWithTs([]byte("ab"), 2),
		model.KeyWithTs([]byte("b"), 9),
	}
	blk, err := decodeBlock(buildBlock(t, keys...))
	require.NoError(t, err)
	assert.Equal(t, keys[0], blk.baseKey)

	for i, want := range keys {
		got, val, err := blk.keyAt(nil, i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		vs, err := model.DecodeValueStruct(val)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, vs.Value)
	}

	idx, err := blk.search(model.KeyWithTs([]byte("ab"), 2))
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	idx, err = blk.search(model.KeyWithTs([]byte("c"), 1))
	require.NoError(t, err)
	assert.Equal(t, len(keys), idx)
}

func TestBlock_SingleEntry(t *testing.T) {
	key := model.KeyWithTs([]byte("a"), 1)
	blk, err := decodeBlock(buildBlock(t, key))
	require.NoError(t, err)

	idx, err := blk.search(key)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestBlock_MalformedEntryReturnsError(t *testing.T) {
	payload := buildBlock(t, model.KeyWithTs([]byte("a"), 1), model.KeyWithTs([]byte("b"), 1))
	count := int(binary.BigEndian.Uint32(payload[len(payload)-4:]))
	offStart := len(payload) - 4 - 4*count
	second := binary.BigEndian.Uint32(payload[offStart+4:])
	// Claim more shared bytes than the base key has.
	binary.BigEndian.PutUint16(payload[second:], 200)

	blk, err := decodeBlock(payload)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = blk.search(model.KeyWithTs([]byte("b"), 1))
	})
	assert.Error(t, err)
}

func TestBlock_ShortBaseKeyRejected(t *testing.T) {
	var b blockBuilder
	b.add([]byte("abc"), model.ValueStruct{})
	_, err := decodeBlock(b.finish())
	assert.Error(t, err)
}
