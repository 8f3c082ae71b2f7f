package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsTrueForAddedKeys(t *testing.T) {
	f := New(1024, 4)
	f.Add([]byte("a"))
	f.Add([]byte("b"))

	assert.True(t, f.Contains([]byte("a")))
	assert.True(t, f.Contains([]byte("b")))
}

func TestNoFalseNegatives(t *testing.T) {
	f := NewForEntries(1000, 5)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		require.True(t, f.Contains(k), "bloom filter must never produce a false negative")
	}
}

func TestBloomNegativeForKeyNeverAdded(t *testing.T) {
	f := New(1024, 4)
	f.Add([]byte("a"))
	f.Add([]byte("b"))

	assert.False(t, f.Contains([]byte("z")))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New(2048, 3)
	f.Add([]byte("hello"))
	f.Add([]byte("world"))

	buf := f.Encode()
	got, err := Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, f.BitsLen(), got.BitsLen())
	assert.Equal(t, f.HashCount(), got.HashCount())
	assert.True(t, got.Contains([]byte("hello")))
	assert.True(t, got.Contains([]byte("world")))
	assert.False(t, got.Contains([]byte("nope-never-added")))
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	f := New(128, 2)
	buf := f.Encode()
	_, err := Decode(buf[:len(buf)-8])
	assert.Error(t, err)
}
