// Package wal
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

// Package wal is the Database's sharded write-ahead log: N cache-line
// padded shard files, each guarded by its own spin-lock, appended to and
// fsynced before a mutation is acknowledged.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/dseum/mousedb/internal/hlc"
	"github.com/dseum/mousedb/internal/varint"
)

// OpKind distinguishes an insert record from an erase (tombstone) record.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpErase  OpKind = 2
)

// Record is one logical WAL entry: a key, its value (empty for an
// erase), and the HLC it was tagged with at append time.
type Record struct {
	Op    OpKind
	Key   []byte
	Value []byte
	Clock hlc.HLC
	Shard int
}

// encode lays out a record as op_kind(1) ∥ hlc(14) ∥ varint(key_len) ∥
// key ∥ varint(value_len) ∥ value.
func encode(r Record) []byte {
	klen, vlen := varint.Size(uint64(len(r.Key))), varint.Size(uint64(len(r.Value)))
	buf := make([]byte, 1+hlc.EncodedSize+klen+len(r.Key)+vlen+len(r.Value))
	buf[0] = byte(r.Op)
	off := 1
	hlc.Encode(buf[off:off+hlc.EncodedSize], r.Clock)
	off += hlc.EncodedSize
	off += varint.Put(buf[off:], uint64(len(r.Key)))
	off += copy(buf[off:], r.Key)
	off += varint.Put(buf[off:], uint64(len(r.Value)))
	copy(buf[off:], r.Value)
	return buf
}

// decode parses one record from the front of buf, reporting false if
// buf doesn't hold a complete record — the case of a crash mid-append,
// which recovery treats as end-of-log per the WAL's lack of a checksum.
func decode(buf []byte) (Record, int, bool) {
	if len(buf) < 1+hlc.EncodedSize {
		return Record{}, 0, false
	}
	op := OpKind(buf[0])
	off := 1
	clock := hlc.Decode(buf[off : off+hlc.EncodedSize])
	off += hlc.EncodedSize

	klen, n, ok := getVarintSafe(buf[off:])
	if !ok || off+n+int(klen) > len(buf) {
		return Record{}, 0, false
	}
	off += n
	key := append([]byte(nil), buf[off:off+int(klen)]...)
	off += int(klen)

	vlen, n, ok := getVarintSafe(buf[off:])
	if !ok || off+n+int(vlen) > len(buf) {
		return Record{}, 0, false
	}
	off += n
	value := append([]byte(nil), buf[off:off+int(vlen)]...)
	off += int(vlen)

	return Record{Op: op, Key: key, Value: value, Clock: clock}, off, true
}

func getVarintSafe(buf []byte) (uint64, int, bool) {
	var v uint64
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		v |= uint64(b&0x7F) << (uint(i) * 7)
		if b&0x80 == 0 {
			return v, i + 1, true
		}
	}
	return 0, 0, false
}

// spinLock is a test-and-test-and-set spin-lock: cheap to acquire under
// the low contention a single WAL shard sees, and it never parks a
// goroutine on the OS scheduler the way sync.Mutex can.
type spinLock struct {
	held atomic.Bool
}

func (s *spinLock) Lock() {
	for {
		if !s.held.Load() && s.held.CompareAndSwap(false, true) {
			return
		}
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() { s.held.Store(false) }

// TryLock attempts the fast, non-blocking acquisition; unused on the
// Append path now that shard selection is fixed by the caller, kept for
// callers (tests, future shard-rebalancing code) that want a
// non-blocking probe of a specific shard.
func (s *spinLock) TryLock() bool {
	return !s.held.Load() && s.held.CompareAndSwap(false, true)
}

// cacheLinePad is sized so consecutive shards don't false-share a cache
// line under concurrent append.
const cacheLinePad = 64

// shard owns one WAL file and the spin-lock serializing appends to it.
// The padding fields keep each shard's hot spinLock/file pair on its own
// cache line in the Database's shard array.
type shard struct {
	lock spinLock
	file *os.File
	path string
	_    [cacheLinePad]byte
}

// WAL is the Database's full set of shard files.
type WAL struct {
	dir    string
	shards []*shard
}

func shardPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%02d.log", i))
}

// Open opens (creating if absent) shardCount WAL files under dir and
// replays every shard, merging entries across shards by HLC ascending —
// WAL records for a given key are totally ordered by HLC, not by file
// offset or shard index.
func Open(dir string, shardCount int) (*WAL, []Record, error) {
	if shardCount <= 0 {
		shardCount = runtime.NumCPU()
	}
	if shardCount <= 0 {
		shardCount = 1
	}

	w := &WAL{dir: dir, shards: make([]*shard, shardCount)}
	var all []Record

	for i := 0; i < shardCount; i++ {
		path := shardPath(dir, i)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			w.closeOpened(i)
			return nil, nil, err
		}
		w.shards[i] = &shard{file: f, path: path}

		data, err := os.ReadFile(path)
		if err != nil {
			w.closeOpened(i + 1)
			return nil, nil, err
		}
		for off := 0; off < len(data); {
			rec, n, ok := decode(data[off:])
			if !ok {
				break
			}
			rec.Shard = i
			all = append(all, rec)
			off += n
		}
	}

	sort.SliceStable(all, func(a, b int) bool {
		return hlc.Less(all[a].Clock, all[b].Clock)
	})

	return w, all, nil
}

func (w *WAL) closeOpened(n int) {
	for i := 0; i < n; i++ {
		if w.shards[i] != nil {
			w.shards[i].file.Close()
		}
	}
}

// ShardCount reports how many shard files this WAL manages.
func (w *WAL) ShardCount() int { return len(w.shards) }

// Append writes rec to shard rec.Shard and fsyncs before returning —
// Database may not acknowledge the caller until this returns nil. The
// caller (Database) picks rec.Shard, since it is the one that knows
// which shard the current active MemTable generation is pinned to;
// WAL just serializes concurrent appends to that one shard behind its
// spin-lock, cheap under the low contention a single shard sees.
func (w *WAL) Append(rec Record) error {
	sh := w.shards[rec.Shard]
	sh.lock.Lock()
	defer sh.lock.Unlock()

	buf := encode(rec)
	if _, err := sh.file.Write(buf); err != nil {
		return err
	}
	return sh.file.Sync()
}

// Reset truncates shard i's WAL file back to empty, called once the
// MemTable that shard backed has a durable SST on disk.
func (w *WAL) Reset(i int) error {
	sh := w.shards[i]
	sh.lock.Lock()
	defer sh.lock.Unlock()

	if err := sh.file.Truncate(0); err != nil {
		return err
	}
	_, err := sh.file.Seek(0, 0)
	return err
}

// Close closes every shard file.
func (w *WAL) Close() error {
	var firstErr error
	for _, sh := range w.shards {
		if err := sh.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
