// Package kvstore
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

// Package kvstore encodes (key, value) records into arena-backed byte
// ranges: varint(key_len) ∥ key ∥ varint(value_len) ∥ value. Records are
// immutable once written; an update allocates a new record rather than
// mutating in place.
package kvstore

import (
	"github.com/dseum/mousedb/internal/arena"
	"github.com/dseum/mousedb/internal/murmur"
	"github.com/dseum/mousedb/internal/varint"
)

// Record is a stable pointer into a KVStore's arena. It remains valid for
// the lifetime of the KVStore that produced it.
type Record []byte

// Compare gives the record key's total order: lexicographic over the
// shared prefix, then shorter-is-less.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) == len(b):
		return 0
	case len(a) < len(b):
		return -1
	default:
		return 1
	}
}

// CompareRecords orders two records by their key alone.
func CompareRecords(a, b Record) int {
	return Compare(Key(a), Key(b))
}

// Hash returns a stable 64-bit hash of key.
func Hash(key []byte) uint64 {
	return murmur.Hash64(key, 0)
}

// HashRecord hashes a record's key.
func HashRecord(r Record) uint64 {
	return Hash(Key(r))
}

// Get splits a record back into its key and value spans.
func Get(r Record) (key, value []byte) {
	keyLen, off := varint.Get(r)
	key = r[off : off+int(keyLen)]
	off += int(keyLen)
	valLen, n := varint.Get(r[off:])
	off += n
	value = r[off : off+int(valLen)]
	return key, value
}

// Key returns just the key span of a record.
func Key(r Record) []byte {
	key, _ := Get(r)
	return key
}

// Value returns just the value span of a record.
func Value(r Record) []byte {
	_, value := Get(r)
	return value
}

// Size returns the total encoded length of a record.
func Size(r Record) int {
	keyLen, off := varint.Get(r)
	off += int(keyLen)
	valLen, n := varint.Get(r[off:])
	off += n + int(valLen)
	return off
}

// KVStore allocates immutable records out of a ConcurrentArena. It is safe
// for concurrent use; the arena itself provides all synchronization.
type KVStore struct {
	arena *arena.ConcurrentArena
}

// New creates a KVStore whose arena grows in slabSize-byte increments.
func New(slabSize int) *KVStore {
	return &KVStore{arena: arena.NewConcurrentArena(slabSize)}
}

// Insert encodes (key, value) as a record and returns a stable pointer to
// it. The bytes of key and value are copied; the caller's buffers may be
// reused afterward.
func (s *KVStore) Insert(key, value []byte) Record {
	keyVarintLen := varint.Size(uint64(len(key)))
	valVarintLen := varint.Size(uint64(len(value)))
	total := keyVarintLen + len(key) + valVarintLen + len(value)

	rec := s.arena.Allocate(total)
	off := varint.Put(rec, uint64(len(key)))
	off += copy(rec[off:], key)
	off += varint.Put(rec[off:], uint64(len(value)))
	copy(rec[off:], value)
	return Record(rec)
}

// Used returns the number of record bytes handed out so far.
func (s *KVStore) Used() int64 { return s.arena.Used() }

// Size returns total bytes backing the arena (used + unused slack).
func (s *KVStore) Size() int64 { return s.arena.Size() }
