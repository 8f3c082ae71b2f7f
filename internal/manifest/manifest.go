// Package manifest
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

// Package manifest is the tiny append-only log recording which SSTables
// belong to which level. On startup the engine replays it to reconstruct
// the level layout before replaying any WAL segments.
package manifest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/dseum/mousedb/internal/varint"
)

// Op identifies a manifest event.
type Op uint8

const (
	// OpAdd registers a newly written SSTable in a level.
	OpAdd Op = iota + 1
	// OpRemove retires an SSTable, after the compaction that subsumes
	// it has committed its replacement.
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Record is one manifest event: an SSTable entering or leaving a level.
type Record struct {
	Op       Op
	SSTID    uint64
	Level    int
	FirstKey []byte
	LastKey  []byte
}

// encode writes a record as: op(1) ∥ sst_id(8) ∥ level(varint) ∥
// varint(len(first_key)) ∥ first_key ∥ varint(len(last_key)) ∥ last_key.
func (r Record) encode() []byte {
	flen, llen := varint.Size(uint64(len(r.FirstKey))), varint.Size(uint64(len(r.LastKey)))
	levelLen := varint.Size(uint64(r.Level))
	buf := make([]byte, 1+8+levelLen+flen+len(r.FirstKey)+llen+len(r.LastKey))
	off := 0
	buf[off] = byte(r.Op)
	off++
	binary.LittleEndian.PutUint64(buf[off:], r.SSTID)
	off += 8
	off += varint.Put(buf[off:], uint64(r.Level))
	off += varint.Put(buf[off:], uint64(len(r.FirstKey)))
	off += copy(buf[off:], r.FirstKey)
	off += varint.Put(buf[off:], uint64(len(r.LastKey)))
	off += copy(buf[off:], r.LastKey)
	return buf
}

// TableRef is one live SSTable as reconstructed from the manifest: its
// id, the level it lives in, and its key range.
type TableRef struct {
	SSTID    uint64
	Level    int
	FirstKey []byte
	LastKey  []byte
}

// Manifest is the process-owned handle to `root/data/MANIFEST`. Only one
// Manifest may hold the file's exclusive lock at a time; Open fails fast
// if another process already holds it, per the "forbid more than one
// Database opening the same directory" requirement.
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// Open opens (creating if absent) the manifest file at path, takes an
// exclusive flock on it, and replays it into a reconstructed set of live
// tables keyed by level.
func Open(path string) (*Manifest, []TableRef, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("manifest: %s is locked by another process: %w", path, err)
	}

	tables, err := replay(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, err
	}

	return &Manifest{file: f, w: bufio.NewWriter(f)}, tables, nil
}

// replay reads every record in the manifest from the start and folds
// OpAdd/OpRemove events into the live table set, in file order. A
// truncated trailing record (crash mid-append) is treated as end of log
// rather than an error, matching WAL recovery semantics elsewhere in
// this engine.
func replay(f *os.File) ([]TableRef, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	live := make(map[uint64]TableRef)
	for off := 0; off < len(data); {
		rec, n, ok := decodeRecord(data[off:])
		if !ok {
			break
		}
		off += n

		switch rec.Op {
		case OpAdd:
			live[rec.SSTID] = TableRef{
				SSTID:    rec.SSTID,
				Level:    rec.Level,
				FirstKey: rec.FirstKey,
				LastKey:  rec.LastKey,
			}
		case OpRemove:
			delete(live, rec.SSTID)
		}
	}

	out := make([]TableRef, 0, len(live))
	for _, t := range live {
		out = append(out, t)
	}
	return out, nil
}

// decodeRecord parses one record from buf, reporting false if buf
// doesn't hold a complete record (truncated tail).
func decodeRecord(buf []byte) (Record, int, bool) {
	if len(buf) < 1+8 {
		return Record{}, 0, false
	}
	op := Op(buf[0])
	off := 1
	sstID := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	level, n, ok := getVarintSafe(buf[off:])
	if !ok {
		return Record{}, 0, false
	}
	off += n

	flen, n, ok := getVarintSafe(buf[off:])
	if !ok || off+n+int(flen) > len(buf) {
		return Record{}, 0, false
	}
	off += n
	firstKey := append([]byte(nil), buf[off:off+int(flen)]...)
	off += int(flen)

	llen, n, ok := getVarintSafe(buf[off:])
	if !ok || off+n+int(llen) > len(buf) {
		return Record{}, 0, false
	}
	off += n
	lastKey := append([]byte(nil), buf[off:off+int(llen)]...)
	off += int(llen)

	return Record{Op: op, SSTID: sstID, Level: int(level), FirstKey: firstKey, LastKey: lastKey}, off, true
}

// getVarintSafe decodes a varint without reading past buf's end.
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

// Append writes a single manifest event and fsyncs before returning, so
// a commit is durable before the caller acts on it (e.g. deleting the
// SSTs a compaction subsumed).
func (m *Manifest) Append(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.w.Write(r.encode()); err != nil {
		return err
	}
	if err := m.w.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

// AppendAtomicSwap writes a batch of manifest events as a single fsynced
// unit — the add-new-tables/remove-old-tables commit a compaction or
// flush performs together, so a crash between them can't leave the
// manifest pointing at a half-applied merge.
func (m *Manifest) AppendAtomicSwap(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if _, err := m.w.Write(r.encode()); err != nil {
			return err
		}
	}
	if err := m.w.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

// Close releases the manifest's exclusive lock and closes its file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := syscall.Flock(int(m.file.Fd()), syscall.LOCK_UN); err != nil {
		return err
	}
	return m.file.Close()
}
