package murmur

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash64(t *testing.T) {
	tests := []struct {
		key  []byte
		seed uint64
		want uint64
	}{
		{[]byte("hello"), 0, 0xf369cd39c641eb89},
		{[]byte("world"), 0, 0x96a5312ceeb4b275},
		{[]byte("murmur"), 0, 0xc40377c960d8b391},
		{[]byte("hash"), 0, 0xe7fcedc45a9406da},
	}

	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			assert.Equal(t, tt.want, Hash64(tt.key, tt.seed))
		})
	}
}

func TestHash64Distinct(t *testing.T) {
	seen := make(map[uint64]bool)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		buf := make([]byte, 10)
		r.Read(buf)
		h := Hash64(buf, 0)
		assert.False(t, seen[h], "unexpected hash collision among random keys")
		seen[h] = true
	}
}

func TestHash32(t *testing.T) {
	tests := []struct {
		key  []byte
		seed uint32
		want uint32
	}{
		{[]byte("hello"), 0, 0x248bfa47},
		{[]byte("world"), 0, 0xfb963cfb},
		{[]byte("murmur"), 0, 0x73f313cd},
		{[]byte("hash"), 0, 0x56c454fb},
	}

	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			assert.Equal(t, tt.want, Hash32(tt.key, tt.seed))
		})
	}
}

func BenchmarkHash64(b *testing.B) {
	key := []byte("benchmarking 64-bit murmur3 hash function")
	seed := uint64(0)

	for i := 0; i < b.N; i++ {
		_ = Hash64(key, seed)
	}
}

func BenchmarkHash32(b *testing.B) {
	key := []byte("benchmarking 32-bit murmur3 hash function")
	seed := uint32(0)

	for i := 0; i < b.N; i++ {
		_ = Hash32(key, seed)
	}
}
