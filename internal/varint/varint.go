// Package varint
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

// Package varint is the little-endian base-128 varint codec shared by
// MouseDB's record formats: arena records, WAL records, manifest
// records, and SSTable entries and index entries. The TCP wire frames
// do not use it.
package varint

// Size returns the number of bytes Put would emit for v.
func Size(v uint64) int {
	n := 1
	for v > 0x7F {
		v >>= 7
		n++
	}
	return n
}

// Put writes v into buf starting at offset 0 and returns the number of
// bytes written. buf must have at least Size(v) bytes of room.
func Put(buf []byte, v uint64) int {
	i := 0
	for v > 0x7F {
		buf[i] = byte(v&0x7F) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// Get decodes a varint starting at buf[0] and returns its value together
// with the number of bytes consumed.
func Get(buf []byte) (uint64, int) {
	var v uint64
	var i int
	for {
		b := buf[i]
		v |= uint64(b&0x7F) << (uint(i) * 7)
		if b&0x80 == 0 {
			break
		}
		i++
	}
	return v, i + 1
}
