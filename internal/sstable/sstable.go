// Package sstable
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

// Package sstable writes and reads MouseDB's immutable on-disk sorted
// runs: a data region of HLC-tagged entries, a sparse index, a bloom
// filter, and a fixed-size footer. A table is written once, fsynced, and
// renamed into place; nothing about it changes afterward.
package sstable

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dseum/mousedb/internal/bloom"
	"github.com/dseum/mousedb/internal/compress"
	"github.com/dseum/mousedb/internal/hlc"
	"github.com/dseum/mousedb/internal/varint"
)

// Magic identifies a MouseDB SSTable file; Corruption per §9 means this
// doesn't match on open.
var Magic = [4]byte{'M', 'D', 'B', '1'}

const formatVersion = 1

// FooterSize is the fixed width of the trailing footer region.
const FooterSize = 4 + 4 + 8*7 + 8 + 8

// DefaultIndexStride is how many data bytes separate sparse index
// entries when a Writer isn't given an explicit stride.
const DefaultIndexStride = 4096

// Entry is one HLC-tagged record, the unit a k-way merge operates over.
type Entry struct {
	Key       []byte
	Value     []byte
	Clock     hlc.HLC
	Tombstone bool
}

// Footer is the fully-parsed trailing region of an SSTable file.
type Footer struct {
	Version     uint32
	DataOffset  uint64
	DataLen     uint64
	IndexOffset uint64
	IndexLen    uint64
	BloomOffset uint64
	BloomLen    uint64
	EntryCount  uint64
	SSTID       uint64
}

func (f Footer) encode() []byte {
	buf := make([]byte, FooterSize)
	off := 0
	copy(buf[off:], Magic[:])
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], f.Version)
	off += 4
	for _, v := range []uint64{f.DataOffset, f.DataLen, f.IndexOffset, f.IndexLen, f.BloomOffset, f.BloomLen, f.EntryCount, f.SSTID} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	return buf
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, fmt.Errorf("sstable: footer must be %d bytes, got %d", FooterSize, len(buf))
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != Magic {
		return Footer{}, fmt.Errorf("sstable: bad footer magic %x", magic)
	}
	f := Footer{Version: binary.LittleEndian.Uint32(buf[4:8])}
	vals := make([]uint64, 8)
	off := 8
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	f.DataOffset, f.DataLen = vals[0], vals[1]
	f.IndexOffset, f.IndexLen = vals[2], vals[3]
	f.BloomOffset, f.BloomLen = vals[4], vals[5]
	f.EntryCount, f.SSTID = vals[6], vals[7]
	return f, nil
}

// Flag bits packed into the single byte that follows each entry's HLC.
const (
	flagTombstone  byte = 1 << 0
	flagCompressed byte = 1 << 1
)

// DefaultMinCompressSize is the smallest value length the writer will
// attempt to shrink with internal/compress; below this the per-token
// overhead of the LZ77 codec isn't worth paying.
const DefaultMinCompressSize = 64

// encodeEntry writes a data-region record: hlc(14) ∥ flags(1) ∥
// varint(key_len) ∥ key ∥ varint(value_len) ∥ value. When c is non-nil,
// e is not a tombstone, e.Value is at least minSize bytes, and the
// compressed form is shorter than the original, the value is stored
// compressed and flagCompressed is set; decodeEntry reverses it
// transparently.
func encodeEntry(e Entry, c *compress.Compressor, minSize int) []byte {
	flags := byte(0)
	if e.Tombstone {
		flags |= flagTombstone
	}
	value := e.Value
	if c != nil && len(value) >= minSize && !e.Tombstone {
		if packed := c.Compress(value); len(packed) < len(value) {
			value = packed
			flags |= flagCompressed
		}
	}

	klen, vlen := varint.Size(uint64(len(e.Key))), varint.Size(uint64(len(value)))
	buf := make([]byte, hlc.EncodedSize+1+klen+len(e.Key)+vlen+len(value))
	hlc.Encode(buf[0:hlc.EncodedSize], e.Clock)
	off := hlc.EncodedSize
	buf[off] = flags
	off++
	off += varint.Put(buf[off:], uint64(len(e.Key)))
	off += copy(buf[off:], e.Key)
	off += varint.Put(buf[off:], uint64(len(value)))
	copy(buf[off:], value)
	return buf
}

// decodeEntry parses one data-region record starting at buf[0] and
// returns it along with the number of bytes consumed. c decompresses
// the value when the record's flagCompressed bit is set. It need not
// match the writer's window size, since window size only affects
// Compress, not Decompress; a nil c is replaced by a default Compressor.
func decodeEntry(buf []byte, c *compress.Compressor) (Entry, int) {
	clock := hlc.Decode(buf[0:hlc.EncodedSize])
	off := hlc.EncodedSize
	flags := buf[off]
	off++
	klen, n := varint.Get(buf[off:])
	off += n
	key := buf[off : off+int(klen)]
	off += int(klen)
	vlen, n := varint.Get(buf[off:])
	off += n
	value := buf[off : off+int(vlen)]
	off += int(vlen)

	if flags&flagCompressed != 0 {
		if c == nil {
			c = compress.New(compress.DefaultWindowSize)
		}
		value = c.Decompress(value)
	}

	return Entry{Key: key, Value: value, Clock: clock, Tombstone: flags&flagTombstone != 0}, off
}

// indexEntry maps a block's first key to its data-region offset.
type indexEntry struct {
	key    []byte
	offset uint64
}

// WriteOptions configures a single Writer.Write call.
type WriteOptions struct {
	SSTID           uint64
	IndexStride     int  // defaults to DefaultIndexStride
	BloomBitsPerKey int  // defaults to 10
	BloomHashCount  int  // defaults to 5
	DropTombstones  bool // true when compacting into the bottom level
	CompressValues  bool // adapted from guycipher-k4's internal/compressor
	MinCompressSize int  // defaults to DefaultMinCompressSize
	CompressWindow  int  // defaults to compress.DefaultWindowSize
}

// mergeItem is one entry in the k-way merge heap.
type mergeItem struct {
	entry     Entry
	stream    int
	streamPos int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytesCompare(h[i].entry.Key, h[j].entry.Key); c != 0 {
		return c < 0
	}
	// Among equal keys, the merge loop wants the greatest HLC visited
	// first so it can discard the rest; a max-heap on HLC for tied keys
	// achieves that without a second pass.
	return hlc.Compare(h[i].entry.Clock, h[j].entry.Clock) > 0
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any          { old := *h; n := len(old); it := old[n-1]; *h = old[:n-1]; return it }
func bytesCompare(a, b []byte) int {
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

// Write drives a k-way merge over streams (each already sorted ascending
// by key) and writes the result to path as a new SSTable, fsyncing and
// renaming it into place only once every region is flushed. It returns
// the parsed footer of the written table.
func Write(path string, streams [][]Entry, opts WriteOptions) (Footer, error) {
	if opts.IndexStride <= 0 {
		opts.IndexStride = DefaultIndexStride
	}
	if opts.BloomBitsPerKey <= 0 {
		opts.BloomBitsPerKey = 10
	}
	if opts.BloomHashCount <= 0 {
		opts.BloomHashCount = 5
	}
	if opts.MinCompressSize <= 0 {
		opts.MinCompressSize = DefaultMinCompressSize
	}
	var codec *compress.Compressor
	if opts.CompressValues {
		codec = compress.New(opts.CompressWindow)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Footer{}, err
	}
	w := bufio.NewWriter(f)

	h := &mergeHeap{}
	heap.Init(h)
	for si, s := range streams {
		if len(s) > 0 {
			heap.Push(h, mergeItem{entry: s[0], stream: si, streamPos: 0})
		}
	}

	estimatedEntries := 0
	for _, s := range streams {
		estimatedEntries += len(s)
	}
	bf := bloom.New(uint64(estimatedEntries*opts.BloomBitsPerKey)+1, opts.BloomHashCount)

	var (
		dataOffset       uint64
		entryCount       uint64
		indexEntries     []indexEntry
		bytesSinceMarker int = opts.IndexStride // force a marker at the first entry
	)

	for h.Len() > 0 {
		winner := heap.Pop(h).(mergeItem)
		key := winner.entry.Key
		best := winner.entry

		advance := func(it mergeItem) {
			if it.streamPos+1 < len(streams[it.stream]) {
				heap.Push(h, mergeItem{
					entry:     streams[it.stream][it.streamPos+1],
					stream:    it.stream,
					streamPos: it.streamPos + 1,
				})
			}
		}
		advance(winner)

		// Drain every other stream's entry for the same key, keeping
		// only the one with the greatest HLC (last-writer-wins).
		for h.Len() > 0 && bytesCompare((*h)[0].entry.Key, key) == 0 {
			next := heap.Pop(h).(mergeItem)
			if hlc.Compare(next.entry.Clock, best.Clock) > 0 {
				best = next.entry
			}
			advance(next)
		}

		if best.Tombstone && opts.DropTombstones {
			continue
		}

		if bytesSinceMarker >= opts.IndexStride {
			indexEntries = append(indexEntries, indexEntry{key: append([]byte(nil), key...), offset: dataOffset})
			bytesSinceMarker = 0
		}

		rec := encodeEntry(best, codec, opts.MinCompressSize)
		if _, err := w.Write(rec); err != nil {
			f.Close()
			return Footer{}, err
		}
		bf.Add(key)
		dataOffset += uint64(len(rec))
		bytesSinceMarker += len(rec)
		entryCount++
	}

	footer := Footer{
		Version:    formatVersion,
		DataOffset: 0,
		DataLen:    dataOffset,
		EntryCount: entryCount,
		SSTID:      opts.SSTID,
	}

	footer.IndexOffset = dataOffset
	for _, ie := range indexEntries {
		buf := make([]byte, varint.Size(uint64(len(ie.key)))+len(ie.key)+8)
		off := varint.Put(buf, uint64(len(ie.key)))
		off += copy(buf[off:], ie.key)
		binary.LittleEndian.PutUint64(buf[off:], ie.offset)
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return Footer{}, err
		}
		footer.IndexLen += uint64(len(buf))
	}

	footer.BloomOffset = footer.IndexOffset + footer.IndexLen
	bloomBytes := bf.Encode()
	if _, err := w.Write(bloomBytes); err != nil {
		f.Close()
		return Footer{}, err
	}
	footer.BloomLen = uint64(len(bloomBytes))

	if _, err := w.Write(footer.encode()); err != nil {
		f.Close()
		return Footer{}, err
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return Footer{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Footer{}, err
	}
	if err := f.Close(); err != nil {
		return Footer{}, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Footer{}, err
	}

	return footer, nil
}

// Table is an opened, read-only SSTable. The bloom filter and sparse
// index are loaded into memory; the data region is read on demand.
type Table struct {
	path   string
	file   *os.File
	footer Footer
	bloom  *bloom.Filter
	index  []indexEntry
	codec  *compress.Compressor
}

// Open loads an SSTable's footer, bloom filter, and sparse index. The
// data region is left on disk and read lazily by Get.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() < int64(FooterSize) {
		f.Close()
		return nil, fmt.Errorf("sstable: %s too small to contain a footer", path)
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := f.ReadAt(footerBuf, stat.Size()-int64(FooterSize)); err != nil {
		f.Close()
		return nil, err
	}
	footer, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, footer.BloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(footer.BloomOffset)); err != nil {
		f.Close()
		return nil, err
	}
	bf, err := bloom.Decode(bloomBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: corrupt bloom region in %s: %w", path, err)
	}

	indexBuf := make([]byte, footer.IndexLen)
	if footer.IndexLen > 0 {
		if _, err := f.ReadAt(indexBuf, int64(footer.IndexOffset)); err != nil {
			f.Close()
			return nil, err
		}
	}
	var index []indexEntry
	for off := 0; off < len(indexBuf); {
		klen, n := varint.Get(indexBuf[off:])
		off += n
		key := append([]byte(nil), indexBuf[off:off+int(klen)]...)
		off += int(klen)
		offset := binary.LittleEndian.Uint64(indexBuf[off : off+8])
		off += 8
		index = append(index, indexEntry{key: key, offset: offset})
	}

	return &Table{path: path, file: f, footer: footer, bloom: bf, index: index, codec: compress.New(compress.DefaultWindowSize)}, nil
}

// Close releases the table's file handle.
func (t *Table) Close() error { return t.file.Close() }

// SSTID returns the table's assigned identifier.
func (t *Table) SSTID() uint64 { return t.footer.SSTID }

// EntryCount returns the number of records in the table, tombstones
// included.
func (t *Table) EntryCount() uint64 { return t.footer.EntryCount }

// All reads and decodes the entire data region in key order. Compaction
// uses this to feed a table's contents into a fresh k-way merge.
func (t *Table) All() ([]Entry, error) {
	if t.footer.DataLen == 0 {
		return nil, nil
	}
	buf := make([]byte, t.footer.DataLen)
	if _, err := t.file.ReadAt(buf, int64(t.footer.DataOffset)); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, t.footer.EntryCount)
	for pos := 0; pos < len(buf); {
		e, n := decodeEntry(buf[pos:], t.codec)
		entries = append(entries, Entry{
			Key:       append([]byte(nil), e.Key...),
			Value:     append([]byte(nil), e.Value...),
			Clock:     e.Clock,
			Tombstone: e.Tombstone,
		})
		pos += n
	}
	return entries, nil
}

// FirstKey and LastKey report the table's key range, used by the
// compactor and manifest to decide overlap between levels. Both are nil
// for an empty table.
func (t *Table) FirstKey() []byte {
	if len(t.index) == 0 {
		return nil
	}
	return t.index[0].key
}

func (t *Table) LastKey() []byte {
	if len(t.index) == 0 {
		return nil
	}
	// The sparse index only records block starts; the true last key
	// requires scanning the final block.
	lastOffset := t.index[len(t.index)-1].offset
	e, ok := t.scanBlock(lastOffset, t.footer.DataLen, nil, lastInBlock)
	if !ok {
		return nil
	}
	return e.Key
}

// Get performs the read path: bloom check, binary search over the
// sparse index, then a linear scan of the matched block. Returns
// (entry, true) if key is present in this table, or (Entry{}, false) if
// the bloom filter rules it out or the block scan finds no match.
func (t *Table) Get(key []byte) (Entry, bool) {
	if !t.bloom.Contains(key) {
		return Entry{}, false
	}

	start, end := t.blockRangeFor(key)
	return t.scanBlock(start, end, key, firstMatching)
}

// blockRangeFor binary-searches the sparse index for the block whose
// first key is <= key, and returns its [start, end) byte range within
// the data region. end is the next block's start offset, or the end of
// the data region for the last block.
func (t *Table) blockRangeFor(key []byte) (start, end uint64) {
	if len(t.index) == 0 {
		return 0, t.footer.DataLen
	}
	lo, hi := 0, len(t.index)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytesCompare(t.index[mid].key, key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	start = t.index[best].offset
	if best+1 < len(t.index) {
		end = t.index[best+1].offset
	} else {
		end = t.footer.DataLen
	}
	return start, end
}

type blockScanMode int

const (
	firstMatching blockScanMode = iota
	lastInBlock
)

// scanBlock reads the data region over [start, end) and scans entries
// linearly according to mode: firstMatching returns the first entry
// equal to key, lastInBlock returns the last entry in the range.
func (t *Table) scanBlock(start, end uint64, key []byte, mode blockScanMode) (Entry, bool) {
	buf := make([]byte, end-start)
	if _, err := t.file.ReadAt(buf, int64(t.footer.DataOffset)+int64(start)); err != nil {
		return Entry{}, false
	}

	var last Entry
	found := false
	for pos := 0; pos < len(buf); {
		e, n := decodeEntry(buf[pos:], t.codec)
		pos += n
		switch mode {
		case firstMatching:
			if bytesCompare(e.Key, key) == 0 {
				return e, true
			}
			if bytesCompare(e.Key, key) > 0 {
				return Entry{}, false
			}
		case lastInBlock:
			last, found = e, true
		}
	}
	if mode == lastInBlock {
		return last, found
	}
	return Entry{}, false
}
