// Package hlc
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

// Package hlc implements the hybrid logical clock MouseDB stamps on every
// mutation: a (physical_us, logical, node_id) triple, totally ordered
// lexicographically, used to resolve conflicting writes last-writer-wins.
package hlc

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// HLC is the logical timestamp attached to every Entry. Physical is
// microseconds since the UNIX epoch, clamped monotone by the issuing
// clock; Logical counts events sharing a physical tick; NodeID breaks
// ties between nodes.
type HLC struct {
	Physical uint64 // 48 significant bits
	Logical  uint16
	NodeID   uint32
}

// Compare gives the triple's lexicographic order: negative if a < b, zero
// if equal, positive if a > b.
func Compare(a, b HLC) int {
	switch {
	case a.Physical != b.Physical:
		if a.Physical < b.Physical {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Less reports whether a strictly precedes b.
func Less(a, b HLC) bool { return Compare(a, b) < 0 }

const physicalMask = (uint64(1) << 48) - 1

// pack squeezes an HLC (sans node id) into a single uint64 so the clock's
// hot path can CAS it atomically: 48 bits physical, 16 bits logical.
func pack(physical uint64, logical uint16) uint64 {
	return (physical&physicalMask)<<16 | uint64(logical)
}

func unpack(v uint64) (physical uint64, logical uint16) {
	return v >> 16, uint16(v & 0xFFFF)
}

// WallClockMicros returns wall-clock microseconds since the UNIX epoch.
// Split out so tests can substitute a deterministic clock.
var WallClockMicros = func() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Clock is a hybrid logical clock for one node. NowSend and RecvAndMerge
// are safe for concurrent use; both are lock-free CAS loops over a single
// packed (physical, logical) word, so a wall-clock regression (e.g. an
// NTP step backwards) can never produce a decreasing HLC because the
// physical component is clamped to the clock's own previous value.
type Clock struct {
	nodeID uint32
	state  atomic.Uint64 // packed (physical, logical)
}

// NewClock constructs a Clock that will stamp nodeID into every HLC it
// produces.
func NewClock(nodeID uint32) *Clock {
	return &Clock{nodeID: nodeID}
}

// NodeID returns the clock's configured node id.
func (c *Clock) NodeID() uint32 { return c.nodeID }

// NowSend advances the clock for a locally-originated mutation and
// returns the resulting HLC. Every call returns an HLC strictly greater
// than every prior call on this clock.
func (c *Clock) NowSend() HLC {
	for {
		prev := c.state.Load()
		prevPhys, prevLog := unpack(prev)

		phys := WallClockMicros()
		if phys < prevPhys {
			phys = prevPhys
		}

		var log uint16
		if phys == prevPhys {
			log = prevLog + 1
		} else {
			log = 0
		}

		next := pack(phys, log)
		if c.state.CompareAndSwap(prev, next) {
			return HLC{Physical: phys, Logical: log, NodeID: c.nodeID}
		}
	}
}

// RecvAndMerge folds a remote HLC (observed via gossip or a replicated
// write) into the clock and returns the resulting local HLC.
func (c *Clock) RecvAndMerge(remote HLC) HLC {
	for {
		prev := c.state.Load()
		prevPhys, prevLog := unpack(prev)

		phys := WallClockMicros()
		if phys < prevPhys {
			phys = prevPhys
		}
		if phys < remote.Physical {
			phys = remote.Physical
		}

		localMatches := phys == prevPhys
		remoteMatches := phys == remote.Physical

		var log uint16
		switch {
		case localMatches && remoteMatches:
			log = max16(prevLog, remote.Logical) + 1
		case localMatches:
			log = prevLog + 1
		case remoteMatches:
			log = remote.Logical + 1
		default:
			log = 0
		}

		next := pack(phys, log)
		if c.state.CompareAndSwap(prev, next) {
			return HLC{Physical: phys, Logical: log, NodeID: c.nodeID}
		}
	}
}

func max16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// EncodedSize is the on-wire width of an encoded HLC: 6 bytes physical +
// 2 bytes logical + 4 bytes node id + 2 reserved zero bytes, matching the
// WAL record's hlc(14)
// field and the TCP wire frames that carry HLCs.
const EncodedSize = 14

// Encode writes h into buf[:EncodedSize] in big-endian form.
func Encode(buf []byte, h HLC) {
	_ = buf[EncodedSize-1]
	var phys48 [8]byte
	binary.BigEndian.PutUint64(phys48[:], h.Physical)
	copy(buf[0:6], phys48[2:8])
	binary.BigEndian.PutUint16(buf[6:8], h.Logical)
	binary.BigEndian.PutUint32(buf[8:12], h.NodeID)
	// Two reserved bytes round the field out to 14, kept zero.
	buf[12] = 0
	buf[13] = 0
}

// Decode parses an HLC from buf[:EncodedSize].
func Decode(buf []byte) HLC {
	_ = buf[EncodedSize-1]
	var phys48 [8]byte
	copy(phys48[2:8], buf[0:6])
	return HLC{
		Physical: binary.BigEndian.Uint64(phys48[:]),
		Logical:  binary.BigEndian.Uint16(buf[6:8]),
		NodeID:   binary.BigEndian.Uint32(buf[8:12]),
	}
}
