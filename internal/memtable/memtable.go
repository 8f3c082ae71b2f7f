// Package memtable
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

// Package memtable is the in-memory ordered map sitting in front of the
// on-disk SSTables: a KVSkipList of kvstore records, each tagged with the
// HLC that wrote it, resolved last-writer-wins.
package memtable

import (
	"sync/atomic"

	"github.com/dseum/mousedb/internal/hlc"
	"github.com/dseum/mousedb/internal/kvstore"
	"github.com/dseum/mousedb/internal/skiplist"
)

// State is a MemTable's position in the Active -> Sealed -> Flushing ->
// Released lifecycle. Transitions are driven by the owning Database.
type State int32

const (
	Active State = iota
	Sealed
	Flushing
	Released
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Sealed:
		return "sealed"
	case Flushing:
		return "flushing"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// entry is the value a skiplist node holds: the underlying kvstore record
// (which already encodes key ∥ value) plus the HLC that wrote it and
// whether it represents a deletion.
type entry struct {
	record    kvstore.Record
	clock     hlc.HLC
	tombstone bool
}

// Entry is the public view of find's result.
type Entry struct {
	Value     []byte
	Clock     hlc.HLC
	Tombstone bool
}

// MemTable is a concurrent ordered map of key -> latest (value, hlc,
// tombstone) entry, backed by a KVSkipList over an arena-allocated
// KVStore. Find is lock-free; Insert/Erase serialize structural skip-list
// changes but never block a concurrent Find.
type MemTable struct {
	maxHeight       int
	branchingFactor int

	kvs  *kvstore.KVStore
	list *skiplist.SkipList

	state atomic.Int32
}

// Options configures a MemTable's skiplist shape and backing arena slab
// size; zero values fall back to the package defaults.
type Options struct {
	MaxHeight       int
	BranchingFactor int
	SlabSize        int
}

// New builds an empty, Active MemTable.
func New(opts Options) *MemTable {
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = skiplist.DefaultMaxHeight
	}
	if opts.BranchingFactor <= 0 {
		opts.BranchingFactor = skiplist.DefaultBranchingFactor
	}
	if opts.SlabSize <= 0 {
		opts.SlabSize = 1 << 20
	}

	kvs := kvstore.New(opts.SlabSize)
	return &MemTable{
		maxHeight:       opts.MaxHeight,
		branchingFactor: opts.BranchingFactor,
		kvs:             kvs,
		list:            skiplist.New(opts.MaxHeight, opts.BranchingFactor, kvstore.Compare),
	}
}

// State returns the MemTable's current lifecycle state.
func (m *MemTable) State() State { return State(m.state.Load()) }

// Transition moves the MemTable from `from` to `to`, failing if the
// current state doesn't match `from`. This is how Database drives the
// Active -> Sealed -> Flushing -> Released lifecycle without a lock: the
// MemTable itself is otherwise passive about its own state.
func (m *MemTable) Transition(from, to State) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}

func resolveLWW(old, next any) any {
	oldEntry := old.(entry)
	newEntry := next.(entry)
	if hlc.Compare(newEntry.clock, oldEntry.clock) <= 0 {
		// LWW idempotence: an existing entry with an HLC >= the new one
		// means the write is a no-op.
		return oldEntry
	}
	return newEntry
}

// Insert records (key, value) under clock. If an existing entry for key
// has an HLC greater than or equal to clock, this is a no-op.
func (m *MemTable) Insert(key, value []byte, clock hlc.HLC) {
	rec := m.kvs.Insert(key, value)
	m.list.Upsert(kvstore.Key(rec), entry{record: rec, clock: clock}, resolveLWW)
}

// Erase records a tombstone for key under clock, subject to the same LWW
// idempotence rule as Insert.
func (m *MemTable) Erase(key []byte, clock hlc.HLC) {
	rec := m.kvs.Insert(key, tombstoneSentinel)
	m.list.Upsert(kvstore.Key(rec), entry{record: rec, clock: clock, tombstone: true}, resolveLWW)
}

// tombstoneSentinel is the single-byte value a deletion's record carries;
// the authoritative tombstone bit itself travels alongside in entry.tombstone.
var tombstoneSentinel = []byte{0}

// Find returns the latest (value, hlc, tombstone) entry for key, or false
// if key has never been written to this MemTable. Lock-free: it never
// blocks a concurrent Insert/Erase.
func (m *MemTable) Find(key []byte) (Entry, bool) {
	n := m.list.Find(key)
	if n == nil {
		return Entry{}, false
	}
	e := (*n.Value.Load()).(entry)
	return Entry{Value: kvstore.Value(e.record), Clock: e.clock, Tombstone: e.tombstone}, true
}

// Used returns bytes consumed in the backing arena.
func (m *MemTable) Used() int64 { return m.kvs.Used() }

// Size returns total bytes backing the arena (used + unused slack).
func (m *MemTable) Size() int64 { return m.kvs.Size() }

// Len returns the number of live (key, entry) pairs.
func (m *MemTable) Len() int64 { return m.list.Len() }

// IterateSorted returns every entry in ascending key order. Used only by
// the flush path; callers must only invoke this once the MemTable has
// been sealed, since sealing is what freezes the snapshot iteration
// returns (no concurrent Insert/Erase can target a Sealed MemTable).
func (m *MemTable) IterateSorted() []Entry {
	nodes := m.list.All()
	out := make([]Entry, 0, len(nodes))
	for _, n := range nodes {
		e := (*n.Value.Load()).(entry)
		out = append(out, Entry{Value: kvstore.Value(e.record), Clock: e.clock, Tombstone: e.tombstone})
	}
	return out
}

// IterateSortedWithKeys is IterateSorted plus each entry's key, for
// callers (the flush path) that need both.
func (m *MemTable) IterateSortedWithKeys() ([][]byte, []Entry) {
	nodes := m.list.All()
	keys := make([][]byte, 0, len(nodes))
	out := make([]Entry, 0, len(nodes))
	for _, n := range nodes {
		e := (*n.Value.Load()).(entry)
		keys = append(keys, n.Key)
		out = append(out, Entry{Value: kvstore.Value(e.record), Clock: e.clock, Tombstone: e.tombstone})
	}
	return keys, out
}
