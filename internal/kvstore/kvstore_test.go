package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	s := New(4096)
	rec := s.Insert([]byte("key"), []byte("value"))

	key, value := Get(rec)
	assert.Equal(t, []byte("key"), key)
	assert.Equal(t, []byte("value"), value)
	assert.Equal(t, []byte("key"), Key(rec))
	assert.Equal(t, []byte("value"), Value(rec))
	assert.Equal(t, len(rec), Size(rec))
}

func TestInsertEmptyKeyAndValue(t *testing.T) {
	s := New(4096)
	rec := s.Insert(nil, nil)

	key, value := Get(rec)
	assert.Empty(t, key)
	assert.Empty(t, value)
}

func TestInsertLargeVarintBoundary(t *testing.T) {
	// 130 bytes needs a 2-byte varint (>127), exercising the multi-byte
	// varint path in both directions.
	s := New(1 << 16)
	key := make([]byte, 130)
	for i := range key {
		key[i] = byte(i)
	}
	value := make([]byte, 200)
	rec := s.Insert(key, value)

	gotKey, gotValue := Get(rec)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, value, gotValue)
}

func TestCompareTotalOrder(t *testing.T) {
	assert.Zero(t, Compare([]byte("abc"), []byte("abc")))
	assert.Negative(t, Compare([]byte("abc"), []byte("abd")))
	assert.Positive(t, Compare([]byte("abd"), []byte("abc")))
	// Shared prefix, shorter key sorts first.
	assert.Negative(t, Compare([]byte("ab"), []byte("abc")))
	assert.Positive(t, Compare([]byte("abc"), []byte("ab")))
}

func TestCompareRecordsOrdersByKeyOnly(t *testing.T) {
	s := New(4096)
	a := s.Insert([]byte("a"), []byte("first-value"))
	b := s.Insert([]byte("b"), []byte("x"))
	assert.Negative(t, CompareRecords(a, b))
	assert.Positive(t, CompareRecords(b, a))
}

func TestHashStableForEqualKeys(t *testing.T) {
	s := New(4096)
	a := s.Insert([]byte("same-key"), []byte("v1"))
	b := s.Insert([]byte("same-key"), []byte("v2"))
	assert.Equal(t, HashRecord(a), HashRecord(b))
	assert.Equal(t, Hash([]byte("same-key")), HashRecord(a))
}

func TestInsertRecordsAreStable(t *testing.T) {
	s := New(4096)
	recs := make([]Record, 0, 50)
	for i := 0; i < 50; i++ {
		recs = append(recs, s.Insert([]byte{byte(i)}, []byte{byte(i), byte(i)}))
	}
	for i, rec := range recs {
		key, value := Get(rec)
		require.Len(t, key, 1)
		assert.Equal(t, byte(i), key[0])
		assert.Equal(t, []byte{byte(i), byte(i)}, value)
	}
}

func TestUsedAndSizeTrackArena(t *testing.T) {
	s := New(4096)
	before := s.Used()
	s.Insert([]byte("k"), []byte("v"))
	assert.Greater(t, s.Used(), before)
	assert.GreaterOrEqual(t, s.Size(), s.Used())
}
