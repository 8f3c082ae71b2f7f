// Package compress
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

// Package compress is an LZ77-style byte-run compressor the SSTable writer
// applies, per entry, to values of at least its MinCompressSize: a sliding-window match
// finder keyed on a 3-byte rolling hash, encoding each token as
// (distance uint16, length byte) or a literal (0, byte). It favors cheap
// encode/decode over ratio, matching what guycipher-k4's own
// internal/compressor trades off.
package compress

import (
	"bytes"
	"encoding/binary"

	"github.com/dseum/mousedb/internal/murmur"
)

// DefaultWindowSize bounds how far back a match may point; it is the
// same default guycipher-k4's compressor.NewCompressor callers use.
const DefaultWindowSize = 4096

// Compressor runs the sliding-window LZ77 codec with a fixed window.
type Compressor struct {
	windowSize int
}

// New builds a Compressor with the given window size, defaulting to
// DefaultWindowSize when windowSize <= 0.
func New(windowSize int) *Compressor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Compressor{windowSize: windowSize}
}

// Compress returns data encoded as a stream of (distance uint16, length
// byte) match tokens interleaved with (0, literal byte) tokens.
func (c *Compressor) Compress(data []byte) []byte {
	var out bytes.Buffer
	n := len(data)
	hashTable := make(map[uint64]int)

	for i := 0; i < n; {
		matchLen, matchDist := 0, 0
		if i+2 < n {
			key := murmur.Hash64(data[i:i+3], 0)
			if pos, ok := hashTable[key]; ok && i-pos <= c.windowSize {
				j := 0
				for j < n-i && data[pos+j] == data[i+j] {
					j++
				}
				matchLen, matchDist = j, i-pos
			}
			hashTable[key] = i
		}

		if matchLen > 0 && matchLen <= 255 {
			var distBuf [2]byte
			binary.BigEndian.PutUint16(distBuf[:], uint16(matchDist))
			out.Write(distBuf[:])
			out.WriteByte(byte(matchLen))
			i += matchLen
		} else {
			out.Write([]byte{0, 0})
			out.WriteByte(data[i])
			i++
		}
	}
	return out.Bytes()
}

// Decompress reverses Compress. It assumes data is exactly one
// Compress output with no trailing garbage.
func (c *Compressor) Decompress(data []byte) []byte {
	var out bytes.Buffer
	for i := 0; i+3 <= len(data); {
		dist := binary.BigEndian.Uint16(data[i : i+2])
		length := int(data[i+2])
		i += 3

		if dist > 0 {
			start := out.Len() - int(dist)
			buf := out.Bytes()
			for j := 0; j < length; j++ {
				out.WriteByte(buf[start+j])
				buf = out.Bytes()
			}
		} else {
			out.WriteByte(data[i-1])
		}
	}
	return out.Bytes()
}
