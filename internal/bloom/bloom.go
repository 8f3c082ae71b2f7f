// Package bloom
// BSD 3-Clause License
//
// Copyright (c) 2026, MouseDB Authors
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package bloom implements the fixed-size Bloom filter each SSTable
// carries: false positives are permitted, false negatives are not.
package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/dseum/mousedb/internal/murmur"
)

// Filter is a fixed-size Bloom filter over k independently seeded
// MurmurHash3 hashes of the key bytes.
type Filter struct {
	bits     []uint64 // packed bit words
	bitsLen  uint64   // number of significant bits
	hashSeed []uint32 // one seed per hash function
}

// New builds an empty Filter with room for `bits` bits and `k` hash
// functions.
func New(bits uint64, k int) *Filter {
	if bits == 0 {
		bits = 1
	}
	if k <= 0 {
		k = 1
	}
	seeds := make([]uint32, k)
	for i := range seeds {
		seeds[i] = uint32(i)
	}
	return &Filter{
		bits:     make([]uint64, (bits+63)/64),
		bitsLen:  bits,
		hashSeed: seeds,
	}
}

// NewForEntries sizes a Filter for n expected entries and k hash
// functions using the standard ~1.44*n*k bits-per-entry rule of thumb.
func NewForEntries(n int, k int) *Filter {
	if n <= 0 {
		n = 1
	}
	bits := uint64(float64(n)*float64(k)/0.69) + 1
	return New(bits, k)
}

func (f *Filter) positions(key []byte) []uint64 {
	pos := make([]uint64, len(f.hashSeed))
	for i, seed := range f.hashSeed {
		pos[i] = murmur.Hash64(key, uint64(seed)) % f.bitsLen
	}
	return pos
}

func (f *Filter) setBit(pos uint64) {
	f.bits[pos/64] |= 1 << (pos % 64)
}

func (f *Filter) testBit(pos uint64) bool {
	return f.bits[pos/64]&(1<<(pos%64)) != 0
}

// Add records key's presence.
func (f *Filter) Add(key []byte) {
	for _, pos := range f.positions(key) {
		f.setBit(pos)
	}
}

// Contains reports whether key may be present. A false result is always
// correct (no false negatives); a true result may be a false positive.
func (f *Filter) Contains(key []byte) bool {
	for _, pos := range f.positions(key) {
		if !f.testBit(pos) {
			return false
		}
	}
	return true
}

// HashCount returns k, the number of hash functions in use.
func (f *Filter) HashCount() int { return len(f.hashSeed) }

// BitsLen returns the number of significant bits in the filter.
func (f *Filter) BitsLen() uint64 { return f.bitsLen }

// Encode serializes the filter as u64 bits_len ∥ u64 hash_count ∥
// packed_bit_words, all little-endian, matching the SSTable footer's
// bloom region layout.
func (f *Filter) Encode() []byte {
	out := make([]byte, 16+len(f.bits)*8)
	binary.LittleEndian.PutUint64(out[0:8], f.bitsLen)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(f.hashSeed)))
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(out[16+i*8:24+i*8], w)
	}
	return out
}

// Decode parses a filter previously produced by Encode. The hash seeds
// are reconstructed deterministically as 0..hash_count-1, matching New.
func Decode(buf []byte) (*Filter, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("bloom: short buffer (%d bytes)", len(buf))
	}
	bitsLen := binary.LittleEndian.Uint64(buf[0:8])
	hashCount := binary.LittleEndian.Uint64(buf[8:16])
	wordCount := (bitsLen + 63) / 64
	want := 16 + wordCount*8
	if uint64(len(buf)) != want {
		return nil, fmt.Errorf("bloom: expected %d bytes, got %d", want, len(buf))
	}

	seeds := make([]uint32, hashCount)
	for i := range seeds {
		seeds[i] = uint32(i)
	}
	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[16+uint64(i)*8 : 24+uint64(i)*8])
	}

	return &Filter{bits: words, bitsLen: bitsLen, hashSeed: seeds}, nil
}
