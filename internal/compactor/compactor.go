// Package compactor
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

// Package compactor drains sealed MemTables into level-0 SSTables and
// merges overlapping files down the level hierarchy, bounded by a
// configurable worker pool.
package compactor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dseum/mousedb/internal/manifest"
	"github.com/dseum/mousedb/internal/memtable"
	"github.com/dseum/mousedb/internal/metrics"
	"github.com/dseum/mousedb/internal/sstable"
)

// DefaultLevelBudgets holds the byte budget of level k, indexed from 0; a
// merge into level k+1 triggers once level k holds more bytes than
// this. Each level is ten times the previous, the common LSM ratio.
var DefaultLevelBudgets = []int64{4 << 20, 40 << 20, 400 << 20, 4 << 30}

// table is one level's in-memory handle: the opened reader plus the key
// range and size the manifest recorded for it.
type table struct {
	ref   manifest.TableRef
	rd    *sstable.Table
	bytes int64
}

// levelSet is an immutable snapshot of the level layout. Readers take a
// pointer to one via Snapshot and never block on a concurrent compaction
// mutating it.
type levelSet struct {
	levels [][]*table // levels[0] is level 0
}

// Compactor owns the on-disk level layout, the manifest, and the bounded
// worker pool that performs flush and merge jobs.
type Compactor struct {
	dir            string
	man            *manifest.Manifest
	nextSSTID      atomic.Uint64
	levelBudgets   []int64
	indexStride    int
	compressValues bool
	metrics        metrics.Sink

	mu       sync.Mutex // guards swapping the current snapshot
	current  atomic.Pointer[levelSet]
	sem      *semaphore.Weighted
	flushCh  chan flushJob
	mergeCh  chan int // level k that may need a merge into k+1
	closed   atomic.Bool
	flushWG  sync.WaitGroup
	mergeWG  sync.WaitGroup
	maxRetry int
}

type flushJob struct {
	seq int64 // monotonically increasing enqueue number; not read by the workers
	mt  *memtable.MemTable
	done chan error
}

// Options configures a Compactor.
type Options struct {
	Dir            string
	Manifest       *manifest.Manifest
	Workers        int
	QueueCap       int
	LevelBudgets   []int64
	IndexStride    int
	CompressValues bool
	Metrics        metrics.Sink
}

// New builds a Compactor from a freshly reconstructed set of tables
// (typically the ones manifest.Open just returned) and starts its
// worker pool. Call Close to stop it.
func New(opts Options, initial []manifest.TableRef) (*Compactor, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 16
	}
	if opts.LevelBudgets == nil {
		opts.LevelBudgets = DefaultLevelBudgets
	}
	if opts.IndexStride <= 0 {
		opts.IndexStride = sstable.DefaultIndexStride
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	c := &Compactor{
		dir:            opts.Dir,
		man:            opts.Manifest,
		levelBudgets:   opts.LevelBudgets,
		indexStride:    opts.IndexStride,
		compressValues: opts.CompressValues,
		metrics:        opts.Metrics,
		sem:            semaphore.NewWeighted(int64(opts.Workers)),
		flushCh:        make(chan flushJob, opts.QueueCap),
		mergeCh:        make(chan int, len(opts.LevelBudgets)+1),
		maxRetry:       5,
	}

	ls := &levelSet{}
	maxLevel := 0
	for _, t := range initial {
		if t.Level > maxLevel {
			maxLevel = t.Level
		}
	}
	ls.levels = make([][]*table, maxLevel+1)
	var maxSST uint64
	for _, t := range initial {
		rd, err := sstable.Open(c.tablePath(t.SSTID))
		if err != nil {
			return nil, fmt.Errorf("compactor: reopening sst %d: %w", t.SSTID, err)
		}
		info, _ := os.Stat(c.tablePath(t.SSTID))
		size := int64(0)
		if info != nil {
			size = info.Size()
		}
		ls.levels[t.Level] = append(ls.levels[t.Level], &table{ref: t, rd: rd, bytes: size})
		if t.SSTID > maxSST {
			maxSST = t.SSTID
		}
	}
	for lvl := range ls.levels {
		sort.Slice(ls.levels[lvl], func(i, j int) bool {
			return ls.levels[lvl][i].ref.SSTID > ls.levels[lvl][j].ref.SSTID
		})
	}
	c.current.Store(ls)
	c.nextSSTID.Store(maxSST + 1)
	for lvl, tables := range ls.levels {
		c.metrics.SetLevelSSTCount(lvl, len(tables))
	}

	c.flushWG.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go c.flushWorker()
	}
	c.mergeWG.Add(1)
	go c.mergeWorker()

	return c, nil
}

func (c *Compactor) tablePath(id uint64) string {
	return filepath.Join(c.dir, fmt.Sprintf("sst-%06d.sst", id))
}

// Snapshot returns the current, immutable level layout for a reader to
// search. It never blocks on a concurrent compaction.
func (c *Compactor) Snapshot() [][]*sstable.Table {
	ls := c.current.Load()
	out := make([][]*sstable.Table, len(ls.levels))
	for i, lvl := range ls.levels {
		for _, t := range lvl {
			out[i] = append(out[i], t.rd)
		}
	}
	return out
}

var flushSeq atomic.Int64

// EnqueueFlush hands a sealed MemTable to the compactor and blocks until
// a flush worker has run the job, returning its result. The hand-off
// itself also blocks while the flush queue is at capacity.
func (c *Compactor) EnqueueFlush(mt *memtable.MemTable) error {
	if c.closed.Load() {
		return fmt.Errorf("compactor: closed")
	}
	done := make(chan error, 1)
	c.flushCh <- flushJob{seq: flushSeq.Add(1), mt: mt, done: done}
	return <-done
}

// flushWorker drains flush jobs from the channel. Several workers may
// run at once; each assigns its own sst_id, so flushes proceed in
// parallel even though jobs were enqueued in seal order.
func (c *Compactor) flushWorker() {
	defer c.flushWG.Done()
	for job := range c.flushCh {
		err := c.runFlushWithRetry(job.mt)
		job.done <- err
		if err == nil {
			c.mergeCh <- 0
		}
	}
}

// runFlushWithRetry drains one sealed MemTable into a new level-0 SST,
// retrying with exponential backoff on failure per spec's flush-error
// semantics; the MemTable stays visible to reads throughout.
func (c *Compactor) runFlushWithRetry(mt *memtable.MemTable) error {
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.maxRetry; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err := c.flushOnce(mt); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("compactor: flush failed after %d attempts: %w", c.maxRetry, lastErr)
}

func (c *Compactor) flushOnce(mt *memtable.MemTable) error {
	keys, entries := mt.IterateSortedWithKeys()
	stream := make([]sstable.Entry, len(keys))
	for i, k := range keys {
		stream[i] = sstable.Entry{Key: k, Value: entries[i].Value, Clock: entries[i].Clock, Tombstone: entries[i].Tombstone}
	}

	id := c.nextSSTID.Add(1) - 1
	path := c.tablePath(id)
	if _, err := sstable.Write(path, [][]sstable.Entry{stream}, sstable.WriteOptions{
		SSTID:          id,
		IndexStride:    c.indexStride,
		CompressValues: c.compressValues,
	}); err != nil {
		return err
	}

	rd, err := sstable.Open(path)
	if err != nil {
		return err
	}

	rec := manifest.Record{Op: manifest.OpAdd, SSTID: id, Level: 0, FirstKey: rd.FirstKey(), LastKey: rd.LastKey()}
	if err := c.man.Append(rec); err != nil {
		rd.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.current.Load()
	next := cloneLevels(old.levels)
	if len(next) == 0 {
		next = append(next, nil)
	}
	info, _ := os.Stat(path)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	newRef := manifest.TableRef{SSTID: id, Level: 0, FirstKey: rec.FirstKey, LastKey: rec.LastKey}
	next[0] = append([]*table{{ref: newRef, rd: rd, bytes: size}}, next[0]...)
	c.current.Store(&levelSet{levels: next})
	c.metrics.SetLevelSSTCount(0, len(next[0]))

	return nil
}

func cloneLevels(levels [][]*table) [][]*table {
	out := make([][]*table, len(levels))
	for i, lvl := range levels {
		out[i] = append([]*table(nil), lvl...)
	}
	return out
}

// mergeWorker watches for levels that may have crossed their budget and
// runs merge jobs, bounded by a semaphore sized to the worker count.
// Flush jobs run on their own worker goroutines and do not take it.
func (c *Compactor) mergeWorker() {
	defer c.mergeWG.Done()
	for lvl := range c.mergeCh {
		c.maybeMergeFrom(lvl)
	}
}

// maybeMergeFrom checks level k's total size against its budget and, if
// exceeded, merges its oldest file into level k+1.
func (c *Compactor) maybeMergeFrom(k int) {
	ls := c.current.Load()
	if k >= len(ls.levels) || k >= len(c.levelBudgets) {
		return
	}
	var total int64
	for _, t := range ls.levels[k] {
		total += t.bytes
	}
	if total <= c.levelBudgets[k] {
		return
	}

	oldest := oldestTable(ls.levels[k])
	if oldest == nil {
		return
	}

	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	err := c.mergeInto(k, oldest)
	c.metrics.IncCompaction(k+1, err == nil)
	if err == nil {
		// The new output may have pushed k+1 over its own budget;
		// recurse directly rather than resubmitting to mergeCh, since
		// this goroutine is mergeCh's only reader and a self-send could
		// deadlock if the channel's buffer is already full.
		c.maybeMergeFrom(k + 1)
	}
}

func oldestTable(tables []*table) *table {
	var oldest *table
	for _, t := range tables {
		if oldest == nil || t.ref.SSTID < oldest.ref.SSTID {
			oldest = t
		}
	}
	return oldest
}

// mergeInto merges `input` (from level k) with every overlapping file in
// level k+1 into a single new level-(k+1) file; the output is not split
// by size. The swap is committed atomically and the inputs are deleted
// only after the manifest commit succeeds — on error the inputs are left
// in place and the new output file, if one was written, is removed.
func (c *Compactor) mergeInto(k int, input *table) error {
	ls := c.current.Load()
	targetLevel := k + 1
	var overlapping []*table
	if targetLevel < len(ls.levels) {
		for _, t := range ls.levels[targetLevel] {
			if rangesOverlap(input.ref.FirstKey, input.ref.LastKey, t.ref.FirstKey, t.ref.LastKey) {
				overlapping = append(overlapping, t)
			}
		}
	}

	inputs := append([]*table{input}, overlapping...)
	streams := make([][]sstable.Entry, len(inputs))

	g, _ := errgroup.WithContext(context.Background())
	for i, t := range inputs {
		i, t := i, t
		g.Go(func() error {
			entries, err := t.rd.All()
			streams[i] = entries
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dropTombstones := targetLevel == len(c.levelBudgets)-1 || targetLevel >= len(ls.levels)-1
	id := c.nextSSTID.Add(1) - 1
	path := c.tablePath(id)
	_, err := sstable.Write(path, streams, sstable.WriteOptions{
		SSTID:          id,
		IndexStride:    c.indexStride,
		DropTombstones: dropTombstones,
		CompressValues: c.compressValues,
	})
	if err != nil {
		os.Remove(path)
		return err
	}

	rd, err := sstable.Open(path)
	if err != nil {
		os.Remove(path)
		return err
	}

	records := []manifest.Record{
		{Op: manifest.OpAdd, SSTID: id, Level: targetLevel, FirstKey: rd.FirstKey(), LastKey: rd.LastKey()},
	}
	for _, t := range inputs {
		records = append(records, manifest.Record{Op: manifest.OpRemove, SSTID: t.ref.SSTID, Level: t.ref.Level, FirstKey: t.ref.FirstKey, LastKey: t.ref.LastKey})
	}
	if err := c.man.AppendAtomicSwap(records); err != nil {
		rd.Close()
		os.Remove(path)
		return err
	}

	c.mu.Lock()
	old := c.current.Load()
	next := cloneLevels(old.levels)
	for len(next) <= targetLevel {
		next = append(next, nil)
	}
	next[k] = removeTable(next[k], input.ref.SSTID)
	for _, t := range overlapping {
		next[targetLevel] = removeTable(next[targetLevel], t.ref.SSTID)
	}
	info, _ := os.Stat(path)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	next[targetLevel] = append([]*table{{
		ref:   manifest.TableRef{SSTID: id, Level: targetLevel, FirstKey: rd.FirstKey(), LastKey: rd.LastKey()},
		rd:    rd,
		bytes: size,
	}}, next[targetLevel]...)
	c.current.Store(&levelSet{levels: next})
	c.metrics.SetLevelSSTCount(k, len(next[k]))
	c.metrics.SetLevelSSTCount(targetLevel, len(next[targetLevel]))
	c.mu.Unlock()

	input.rd.Close()
	os.Remove(c.tablePath(input.ref.SSTID))
	for _, t := range overlapping {
		t.rd.Close()
		os.Remove(c.tablePath(t.ref.SSTID))
	}

	return nil
}

func removeTable(tables []*table, id uint64) []*table {
	out := make([]*table, 0, len(tables))
	for _, t := range tables {
		if t.ref.SSTID != id {
			out = append(out, t)
		}
	}
	return out
}

func rangesOverlap(aFirst, aLast, bFirst, bLast []byte) bool {
	if aFirst == nil || bFirst == nil {
		return true
	}
	return bytesLE(aFirst, bLast) && bytesLE(bFirst, aLast)
}

func bytesLE(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) <= len(b)
}

// Close stops accepting new flush jobs, waits for in-flight jobs, and
// closes every open table reader.
func (c *Compactor) Close() error {
	c.closed.Store(true)
	close(c.flushCh)
	c.flushWG.Wait() // no more sends to mergeCh can happen once this returns
	close(c.mergeCh)
	c.mergeWG.Wait()

	ls := c.current.Load()
	for _, lvl := range ls.levels {
		for _, t := range lvl {
			t.rd.Close()
		}
	}
	return nil
}
