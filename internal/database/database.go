// Package database
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

// Package database is MouseDB's embedded-engine façade: it owns the WAL,
// the active/sealed MemTable chain, and the compactor, and is the only
// thing a caller (a CLI, a TCP server handler, a test) ever talks to.
// insert/erase append to the WAL, apply to the active MemTable, and seal
// it into the compactor's flush queue once it crosses flush_threshold;
// find descends active -> sealed (newest first) -> compacted levels
// (newest first per level), returning the entry with the greatest HLC.
package database

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dseum/mousedb/internal/compactor"
	"github.com/dseum/mousedb/internal/hlc"
	"github.com/dseum/mousedb/internal/manifest"
	"github.com/dseum/mousedb/internal/memtable"
	"github.com/dseum/mousedb/internal/metrics"
	"github.com/dseum/mousedb/internal/wal"
)

// config bundles every knob Options can influence; all fields get a
// usable default in defaultConfig so Open(dir) alone is valid.
type config struct {
	logger           *zap.Logger
	metricsRegistry  *prometheus.Registry
	flushThreshold   int64
	walShards        int
	compactionWorkers int
	compactionQueue  int
	sealedQueueCap   int
	levelBudgets     []int64
	indexStride      int
	compressValues   bool
	memtableMaxHeight int
	memtableBranching int
	memtableSlabSize int
	nodeID           uint32
	hasNodeID        bool
}

// Option configures a Database at Open time.
type Option func(*config)

// WithLogger plugs an external zap.Logger; the Database never logs on
// the insert/find hot path, only slow events (startup recovery, flush
// failures, WAL shard reset failures).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics registers MouseDB's Prometheus collectors (arena/memtable
// bytes, flush and compaction counters, WAL fsync latency) against reg.
// Omitted, metrics calls are no-ops, per internal/metrics' noop/prom
// split.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.metricsRegistry = reg }
}

// WithFlushThreshold sets the active MemTable's used-bytes ceiling
// before it is sealed and handed to the compactor.
func WithFlushThreshold(n int64) Option {
	return func(c *config) { c.flushThreshold = n }
}

// WithWALShardCount sets how many WAL shard files the Database owns.
// Defaults to runtime.NumCPU() when 0. Open raises the count to
// sealedQueueCap+1 whenever it would otherwise be at or below the
// sealed queue cap.
func WithWALShardCount(n int) Option {
	return func(c *config) { c.walShards = n }
}

// WithCompactionWorkers sets the compactor's worker pool size.
func WithCompactionWorkers(n int) Option {
	return func(c *config) { c.compactionWorkers = n }
}

// WithCompactionQueueCap sets the compactor's flush-job channel
// capacity; EnqueueFlush blocks once it is full.
func WithCompactionQueueCap(n int) Option {
	return func(c *config) { c.compactionQueue = n }
}

// WithSealedQueueCap sets how many sealed-but-not-yet-flushed MemTables
// may accumulate before insert/erase block waiting for a flush to free
// a slot.
func WithSealedQueueCap(n int) Option {
	return func(c *config) { c.sealedQueueCap = n }
}

// WithLevelBudgets overrides the compactor's per-level byte budgets.
func WithLevelBudgets(b []int64) Option {
	return func(c *config) { c.levelBudgets = b }
}

// WithIndexStride sets the sparse-index spacing new SSTables are
// written with.
func WithIndexStride(n int) Option {
	return func(c *config) { c.indexStride = n }
}

// WithValueCompression enables the SSTable writer's per-value LZ77
// pass (internal/compress) for values at or above its minimum size,
// adapted from guycipher-k4's own internal/compressor.
func WithValueCompression(enabled bool) Option {
	return func(c *config) { c.compressValues = enabled }
}

// WithMemTableShape overrides the skiplist height/branching factor and
// backing arena slab size new MemTables are built with.
func WithMemTableShape(maxHeight, branching, slabSize int) Option {
	return func(c *config) {
		c.memtableMaxHeight = maxHeight
		c.memtableBranching = branching
		c.memtableSlabSize = slabSize
	}
}

// WithNodeID pins the HLC's node_id explicitly, overriding the
// persisted-UUID derivation Open otherwise falls back to.
func WithNodeID(id uint32) Option {
	return func(c *config) {
		c.nodeID = id
		c.hasNodeID = true
	}
}

func defaultConfig() *config {
	return &config{
		logger:            zap.NewNop(),
		flushThreshold:    4 << 20,
		walShards:         0,
		compactionWorkers: 4,
		compactionQueue:   16,
		sealedQueueCap:    4,
		levelBudgets:      compactor.DefaultLevelBudgets,
		indexStride:       0,
		memtableMaxHeight: 0,
		memtableBranching: 0,
		memtableSlabSize:  0,
	}
}

// sealedTable is one sealed-but-not-yet-released MemTable, newest last
// in Database.sealed so find() can walk it in reverse.
type sealedTable struct {
	mt       *memtable.MemTable
	walShard int
}

// Database is the embedded KV engine: one open data directory, one
// exclusive manifest lock, one WAL, one active MemTable, a chain of
// sealed MemTables awaiting flush, and the compactor that drains them
// into levelled SSTables.
type Database struct {
	dir     string
	cfg     *config
	logger  *zap.Logger
	metrics metrics.Sink

	clock *hlc.Clock

	man *manifest.Manifest
	w   *wal.WAL
	c   *compactor.Compactor

	mu          sync.Mutex
	cond        *sync.Cond
	active      *memtable.MemTable
	activeShard int
	sealed      []*sealedTable

	closed bool
}

// Open opens (creating if absent) the MouseDB data directory at dir,
// taking the exclusive directory lock the manifest enforces, replaying
// the manifest and every WAL shard to reconstruct on-disk levels and
// any unflushed mutations, and starting the compactor's worker pool.
func Open(dir string, opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return nil, fmt.Errorf("database: creating data dir: %w", err)
	}
	dataDir := filepath.Join(dir, "data")

	man, initial, err := manifest.Open(filepath.Join(dataDir, "MANIFEST"))
	if err != nil {
		return nil, err
	}

	sink := metrics.New(cfg.metricsRegistry)
	comp, err := compactor.New(compactor.Options{
		Dir:            dataDir,
		Manifest:       man,
		Workers:        cfg.compactionWorkers,
		QueueCap:       cfg.compactionQueue,
		LevelBudgets:   cfg.levelBudgets,
		IndexStride:    cfg.indexStride,
		CompressValues: cfg.compressValues,
		Metrics:        sink,
	}, initial)
	if err != nil {
		man.Close()
		return nil, err
	}

	walShards := resolveWALShardCount(cfg.walShards)
	if walShards <= cfg.sealedQueueCap {
		// A sealed-but-unflushed generation and the active generation that
		// replaces it must never share a shard: activeShard round-robins
		// across walShards on every seal, and flushSealed's Reset(shard)
		// truncates that shard's whole file once its generation's SST is
		// durable. With walShards <= sealedQueueCap, the round-robin can
		// wrap back onto a shard a still-unflushed generation already
		// wrote to, so that generation's acknowledged records get wiped
		// out from under it. Clamping walShards up keeps every
		// concurrently live generation (sealedQueueCap sealed + 1 active)
		// on its own shard.
		walShards = cfg.sealedQueueCap + 1
	}

	w, records, err := wal.Open(dataDir, walShards)
	if err != nil {
		comp.Close()
		man.Close()
		return nil, err
	}

	nodeID := cfg.nodeID
	if !cfg.hasNodeID {
		nodeID, err = loadOrCreateNodeID(dir)
		if err != nil {
			w.Close()
			comp.Close()
			man.Close()
			return nil, err
		}
	}

	db := &Database{
		dir:     dir,
		cfg:     cfg,
		logger:  cfg.logger,
		metrics: sink,
		clock:   hlc.NewClock(nodeID),
		man:     man,
		w:       w,
		c:       comp,
		active: memtable.New(memtable.Options{
			MaxHeight:       cfg.memtableMaxHeight,
			BranchingFactor: cfg.memtableBranching,
			SlabSize:        cfg.memtableSlabSize,
		}),
	}
	db.cond = sync.NewCond(&db.mu)

	for _, rec := range records {
		db.clock.RecvAndMerge(rec.Clock)
		switch rec.Op {
		case wal.OpInsert:
			db.active.Insert(rec.Key, rec.Value, rec.Clock)
		case wal.OpErase:
			db.active.Erase(rec.Key, rec.Clock)
		}
	}

	db.logger.Info("database opened",
		zap.String("dir", dir),
		zap.Int("replayed_wal_records", len(records)),
		zap.Uint32("node_id", nodeID),
	)

	return db, nil
}

// resolveWALShardCount mirrors wal.Open's own <= 0 default so Open can
// reason about the actual shard count a configured walShards value will
// produce before ever calling wal.Open.
func resolveWALShardCount(configured int) int {
	if configured > 0 {
		return configured
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// loadOrCreateNodeID reads a persisted UUID from dir/NODE_ID, creating
// one on first open, and folds it down to a 32-bit node id via its
// first four bytes.
func loadOrCreateNodeID(dir string) (uint32, error) {
	path := filepath.Join(dir, "NODE_ID")
	data, err := os.ReadFile(path)
	if err == nil {
		id, perr := uuid.ParseBytes(data)
		if perr == nil {
			return binary.BigEndian.Uint32(id[:4]), nil
		}
	}
	if !os.IsNotExist(err) && err != nil {
		return 0, err
	}

	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()), 0644); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(id[:4]), nil
}

// NodeID returns the HLC node id this Database stamps on locally
// originated mutations.
func (db *Database) NodeID() uint32 { return db.clock.NodeID() }

// Insert writes (key, value) under clock, or under a freshly minted
// local HLC if clock is the zero value. The WAL record is fsynced
// before Insert returns; a WAL write failure propagates and the
// mutation is never applied to the MemTable.
func (db *Database) Insert(key, value []byte, clock hlc.HLC) (hlc.HLC, error) {
	return db.apply(wal.OpInsert, key, value, clock)
}

// Erase records a tombstone for key under clock (or a fresh local HLC),
// with the same WAL-durability-before-apply guarantee as Insert.
func (db *Database) Erase(key []byte, clock hlc.HLC) (hlc.HLC, error) {
	return db.apply(wal.OpErase, key, nil, clock)
}

func (db *Database) apply(op wal.OpKind, key, value []byte, clock hlc.HLC) (hlc.HLC, error) {
	if (clock == hlc.HLC{}) {
		clock = db.clock.NowSend()
	} else {
		db.clock.RecvAndMerge(clock)
	}

	db.mu.Lock()
	for len(db.sealed) >= db.cfg.sealedQueueCap && !db.closed {
		db.cond.Wait()
	}
	if db.closed {
		db.mu.Unlock()
		return hlc.HLC{}, fmt.Errorf("database: closed")
	}
	shard := db.activeShard
	db.mu.Unlock()

	walStart := time.Now()
	err := db.w.Append(wal.Record{Op: op, Key: key, Value: value, Clock: clock, Shard: shard})
	db.metrics.ObserveWALFsyncSeconds(time.Since(walStart).Seconds())
	if err != nil {
		return hlc.HLC{}, fmt.Errorf("database: wal append: %w", err)
	}

	db.mu.Lock()
	switch op {
	case wal.OpInsert:
		db.active.Insert(key, value, clock)
	case wal.OpErase:
		db.active.Erase(key, clock)
	}
	db.metrics.SetMemTableBytes(db.active.Used())
	db.metrics.SetArenaBytes(db.active.Used(), db.active.Size())
	db.maybeSealActiveLocked()
	db.mu.Unlock()

	return clock, nil
}

// maybeSealActiveLocked seals the active MemTable and hands it to the
// compactor once it has crossed flush_threshold. Called with db.mu
// held.
func (db *Database) maybeSealActiveLocked() {
	if db.active.Used() < db.cfg.flushThreshold {
		return
	}

	sealedMT := db.active
	sealedMT.Transition(memtable.Active, memtable.Sealed)
	shard := db.activeShard

	db.sealed = append(db.sealed, &sealedTable{mt: sealedMT, walShard: shard})

	db.active = memtable.New(memtable.Options{
		MaxHeight:       db.cfg.memtableMaxHeight,
		BranchingFactor: db.cfg.memtableBranching,
		SlabSize:        db.cfg.memtableSlabSize,
	})
	db.activeShard = (db.activeShard + 1) % db.w.ShardCount()

	go db.flushSealed(sealedMT, shard)
}

// flushSealed drains a sealed MemTable through the compactor, releases
// it and truncates its WAL shard on success. It runs off the calling
// goroutine so insert/erase never blocks on a flush directly; the
// sealed-queue-cap condition variable is what actually applies
// backpressure.
func (db *Database) flushSealed(mt *memtable.MemTable, shard int) {
	mt.Transition(memtable.Sealed, memtable.Flushing)

	err := db.c.EnqueueFlush(mt)

	db.mu.Lock()
	defer db.mu.Unlock()
	defer db.cond.Broadcast()

	if err != nil {
		// Flush error semantics: leave the sealed MemTable in place and
		// visible to reads; the compactor itself already retried with
		// backoff internally, so surfacing here just logs.
		db.metrics.IncFlush(false)
		mt.Transition(memtable.Flushing, memtable.Sealed)
		db.logger.Error("memtable flush failed", zap.Error(err))
		return
	}

	db.metrics.IncFlush(true)
	mt.Transition(memtable.Flushing, memtable.Released)
	for i, st := range db.sealed {
		if st.mt == mt {
			db.sealed = append(db.sealed[:i], db.sealed[i+1:]...)
			break
		}
	}
	if err := db.w.Reset(shard); err != nil {
		db.logger.Error("wal shard reset after flush failed", zap.Error(err))
	}
}

// foundEntry is one candidate find() turned up. Candidates with equal
// HLCs resolve to the first one visited, which is the newest source
// given the traversal order spec §4.E describes.
type foundEntry struct {
	value     []byte
	clock     hlc.HLC
	tombstone bool
}

// Find returns the value and HLC of the live (non-tombstone) entry with
// the greatest HLC for key, descending active MemTable -> sealed
// MemTables (newest first) -> level-0 SSTables (newest first) -> deeper
// levels, merging every candidate it sees by HLC rather than stopping
// at the first hit — a tombstone with a smaller HLC than a deeper
// data entry must not shadow it.
func (db *Database) Find(key []byte) ([]byte, hlc.HLC, bool) {
	db.mu.Lock()
	active := db.active
	sealedSnapshot := make([]*sealedTable, len(db.sealed))
	copy(sealedSnapshot, db.sealed)
	db.mu.Unlock()

	var best *foundEntry
	consider := func(value []byte, clock hlc.HLC, tombstone bool) {
		if best != nil && hlc.Compare(clock, best.clock) <= 0 {
			return
		}
		best = &foundEntry{value: value, clock: clock, tombstone: tombstone}
	}

	if e, ok := active.Find(key); ok {
		consider(e.Value, e.Clock, e.Tombstone)
	}
	for i := len(sealedSnapshot) - 1; i >= 0; i-- {
		if e, ok := sealedSnapshot[i].mt.Find(key); ok {
			consider(e.Value, e.Clock, e.Tombstone)
		}
	}

	levels := db.c.Snapshot()
	for _, level := range levels {
		for i := 0; i < len(level); i++ {
			if e, ok := level[i].Get(key); ok {
				consider(e.Value, e.Clock, e.Tombstone)
			}
		}
	}

	if best == nil || best.tombstone {
		return nil, hlc.HLC{}, false
	}
	return best.value, best.clock, true
}

// Close flushes no further mutations, stops the compactor's worker
// pool, and releases the manifest's exclusive directory lock. Any
// goroutine still blocked in apply() on sealed-queue backpressure is
// woken and returned an error.
func (db *Database) Close() error {
	db.mu.Lock()
	db.closed = true
	db.cond.Broadcast()
	db.mu.Unlock()

	if err := db.c.Close(); err != nil {
		return err
	}
	if err := db.w.Close(); err != nil {
		return err
	}
	return db.man.Close()
}
