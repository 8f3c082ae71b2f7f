// Package arena
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

// Package arena implements the single-threaded bump allocator backing
// MouseDB's in-memory records. A pointer returned by Allocate is really a
// []byte slice into a slab; Go's garbage collector keeps the backing slab
// alive for as long as any such slice (or the Arena itself) is reachable, so
// the spec's "opaque token" lifetime rule falls out of ordinary slice
// semantics without any unsafe pointer arithmetic.
package arena

const (
	minSlabSize = 4096
	maxSlabSize = 2 << 30
	alignUnit   = 16
)

// normalizeSlabSize clamps slabSize to [minSlabSize, maxSlabSize] and rounds
// it up to a multiple of alignUnit, mirroring optimize_slab_size in the
// original arena.cpp.
func normalizeSlabSize(slabSize int) int {
	if slabSize < minSlabSize {
		slabSize = minSlabSize
	}
	if slabSize > maxSlabSize {
		slabSize = maxSlabSize
	}
	if r := slabSize % alignUnit; r != 0 {
		slabSize += alignUnit - r
	}
	return slabSize
}

// Arena is a single-threaded bump allocator over a deque of fixed-size
// slabs. It is not safe for concurrent use; ConcurrentArena provides the
// per-shard front end for that.
type Arena struct {
	slabSize int

	slabs     [][]byte
	active    []byte
	activeOff int

	used   int64
	unused int64
	size   int64
}

// New constructs an Arena whose slabs are normalizeSlabSize(slabSize) bytes.
func New(slabSize int) *Arena {
	return &Arena{slabSize: normalizeSlabSize(slabSize)}
}

// Allocate returns size bytes. Requests that fit the active slab are bumped
// out of it; requests that don't get a fresh slab (which becomes the new
// active slab); requests at or above the slab size get their own dedicated
// slab and never touch the active cursor.
func (a *Arena) Allocate(size int) []byte {
	a.used += int64(size)

	if size >= a.slabSize {
		return a.slabify(size)
	}

	activeUnused := len(a.active) - a.activeOff
	if size > activeUnused {
		a.unused += int64(activeUnused) + int64(a.slabSize) - int64(size)
		a.active = a.slabify(a.slabSize)
		a.activeOff = size
		return a.active[0:size:size]
	}

	ptr := a.active[a.activeOff : a.activeOff+size : a.activeOff+size]
	a.activeOff += size
	a.unused -= int64(size)
	return ptr
}

// AllocateSlab always starts a fresh slab, bypassing the active cursor. Used
// for allocations large enough that sharing a slab with small allocations
// would waste more than it saves.
func (a *Arena) AllocateSlab(size int) []byte {
	a.used += int64(size)
	return a.slabify(size)
}

func (a *Arena) slabify(size int) []byte {
	a.size += int64(size)
	buf := make([]byte, size)
	a.slabs = append(a.slabs, buf)
	return buf
}

// Used returns total bytes handed out to callers.
func (a *Arena) Used() int64 { return a.used }

// Unused returns tail waste in the active slab plus retained reserves.
func (a *Arena) Unused() int64 { return a.unused }

// Size returns total bytes backing all slabs (used + unused + slab overhead).
func (a *Arena) Size() int64 { return a.size }
