// Package skiplist
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

// Package skiplist is a concurrent ordered map keyed by arbitrary byte
// slices, with atomic forward pointers down each node's tower. Reads never
// take a lock: Find walks the tower with plain atomic loads, so it cannot
// be blocked by a writer. Structural changes (Upsert, Delete) serialize on
// a single writer mutex, which is sufficient for per-key linearisation and
// keeps the CAS logic honest without a full lock-free multi-writer
// insertion algorithm.
package skiplist

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

const (
	DefaultMaxHeight       = 12
	DefaultBranchingFactor = 4
)

// CompareFunc orders two keys the way kvstore.Compare does.
type CompareFunc func(a, b []byte) int

// Node is one entry in the skip list. Value is caller-defined payload
// (MemTable stores an entry holding the record, its HLC and a tombstone
// flag here); the list itself
// only orders by Key.
type Node struct {
	Key   []byte
	Value atomic.Pointer[any]

	forward []atomic.Pointer[Node]
}

func newNode(height int, key []byte, value any) *Node {
	n := &Node{
		Key:     key,
		forward: make([]atomic.Pointer[Node], height),
	}
	n.Value.Store(&value)
	return n
}

// SkipList is safe for one concurrent writer's worth of structural
// mutation interleaved with any number of concurrent readers.
type SkipList struct {
	maxHeight       int
	branchingFactor int
	compare         CompareFunc

	head   *Node
	height atomic.Int32
	length atomic.Int64

	writersMu sync.Mutex
	rnd       *rand.Rand
	rndMu     sync.Mutex
}

// New builds an empty SkipList. maxHeight and branchingFactor default to
// DefaultMaxHeight/DefaultBranchingFactor when zero.
func New(maxHeight, branchingFactor int, compare CompareFunc) *SkipList {
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	if branchingFactor <= 0 {
		branchingFactor = DefaultBranchingFactor
	}
	sl := &SkipList{
		maxHeight:       maxHeight,
		branchingFactor: branchingFactor,
		compare:         compare,
		head:            newNode(maxHeight, nil, nil),
		rnd:             rand.New(rand.NewSource(0xc001d00d)),
	}
	sl.height.Store(1)
	return sl
}

// randomHeight picks a node tower height using the configured branching
// factor: P(height > h) = 1/branchingFactor^h, capped at maxHeight.
func (sl *SkipList) randomHeight() int {
	sl.rndMu.Lock()
	defer sl.rndMu.Unlock()

	h := 1
	for h < sl.maxHeight && sl.rnd.Intn(sl.branchingFactor) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual walks every level from the top down, recording the
// predecessor at each level in preds (if non-nil), and returns the first
// node whose key is >= key, or nil if none.
func (sl *SkipList) findGreaterOrEqual(key []byte, preds []*Node) *Node {
	x := sl.head
	for level := int(sl.height.Load()) - 1; level >= 0; level-- {
		for {
			next := x.forward[level].Load()
			if next == nil || sl.compare(next.Key, key) >= 0 {
				break
			}
			x = next
		}
		if preds != nil {
			preds[level] = x
		}
	}
	return x.forward[0].Load()
}

// Find returns the node exactly matching key, or nil. Lock-free: it never
// touches writersMu, so it cannot be blocked by a concurrent Insert or
// Delete.
func (sl *SkipList) Find(key []byte) *Node {
	n := sl.findGreaterOrEqual(key, nil)
	if n != nil && sl.compare(n.Key, key) == 0 {
		return n
	}
	return nil
}

// Upsert installs value under key. If a node for key already exists,
// resolve is called with the existing value and the new value and its
// result replaces the stored value; if resolve is nil the new value
// always wins. Returns the node that ends up holding key's entry.
func (sl *SkipList) Upsert(key []byte, value any, resolve func(oldValue, newValue any) any) *Node {
	sl.writersMu.Lock()
	defer sl.writersMu.Unlock()

	preds := make([]*Node, sl.maxHeight)
	existing := sl.findGreaterOrEqual(key, preds)
	if existing != nil && sl.compare(existing.Key, key) == 0 {
		next := value
		if resolve != nil {
			old := *existing.Value.Load()
			next = resolve(old, value)
		}
		existing.Value.Store(&next)
		return existing
	}

	height := sl.randomHeight()
	if height > int(sl.height.Load()) {
		for level := int(sl.height.Load()); level < height; level++ {
			preds[level] = sl.head
		}
		sl.height.Store(int32(height))
	}

	n := newNode(height, key, value)
	for level := 0; level < height; level++ {
		n.forward[level].Store(preds[level].forward[level].Load())
		preds[level].forward[level].Store(n)
	}
	sl.length.Add(1)
	return n
}

// Delete removes key's node, if present. Returns whether a node was
// removed.
func (sl *SkipList) Delete(key []byte) bool {
	sl.writersMu.Lock()
	defer sl.writersMu.Unlock()

	preds := make([]*Node, sl.maxHeight)
	target := sl.findGreaterOrEqual(key, preds)
	if target == nil || sl.compare(target.Key, key) != 0 {
		return false
	}

	for level := 0; level < len(target.forward); level++ {
		if preds[level].forward[level].Load() == target {
			preds[level].forward[level].Store(target.forward[level].Load())
		}
	}
	sl.length.Add(-1)
	return true
}

// Len returns the number of live entries.
func (sl *SkipList) Len() int64 { return sl.length.Load() }

// All returns every node in ascending key order. Used by the memtable
// flush path to take a frozen, consistent snapshot.
func (sl *SkipList) All() []*Node {
	nodes := make([]*Node, 0, sl.length.Load())
	for x := sl.head.forward[0].Load(); x != nil; x = x.forward[0].Load() {
		nodes = append(nodes, x)
	}
	return nodes
}
