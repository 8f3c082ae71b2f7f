// Package metrics
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

// Package metrics is a thin abstraction over Prometheus so MouseDB can be
// embedded with or without metrics: pass a *prometheus.Registry and get a
// Sink backed by real collectors, or omit it and get a Sink whose methods
// are no-ops the hot path doesn't pay for. Grounded on
// Voskan-arena-cache/pkg/metrics.go's metricsSink/noopMetrics/promMetrics
// split, generalized from that package's per-shard cache counters to
// MouseDB's own components (arena, memtable, flush, compaction, WAL).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the interface every MouseDB component that reports metrics
// depends on; callers never see the noop/prom split directly.
type Sink interface {
	SetArenaBytes(used, size int64)
	SetMemTableBytes(n int64)
	IncFlush(ok bool)
	IncCompaction(level int, ok bool)
	ObserveWALFsyncSeconds(seconds float64)
	SetLevelSSTCount(level int, n int)
}

// New returns a Sink backed by reg's collectors, or a no-op Sink if reg
// is nil.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}

type noopSink struct{}

func (noopSink) SetArenaBytes(int64, int64)         {}
func (noopSink) SetMemTableBytes(int64)              {}
func (noopSink) IncFlush(bool)                       {}
func (noopSink) IncCompaction(int, bool)              {}
func (noopSink) ObserveWALFsyncSeconds(float64)       {}
func (noopSink) SetLevelSSTCount(int, int)            {}

type promSink struct {
	arenaUsed     prometheus.Gauge
	arenaSize     prometheus.Gauge
	memtableBytes prometheus.Gauge
	flushes       *prometheus.CounterVec // label: result=ok|error
	compactions   *prometheus.CounterVec // labels: level, result
	walFsync      prometheus.Histogram
	levelSSTCount *prometheus.GaugeVec // label: level
}

func newPromSink(reg *prometheus.Registry) *promSink {
	const ns = "mousedb"

	s := &promSink{
		arenaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "arena_used_bytes",
			Help: "Bytes currently allocated out of the active MemTable's arena.",
		}),
		arenaSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "arena_size_bytes",
			Help: "Total bytes reserved by the active MemTable's arena slabs.",
		}),
		memtableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "memtable_bytes",
			Help: "Bytes used by the active MemTable.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "flush_total",
			Help: "MemTable flushes to level-0 SSTables, by result.",
		}, []string{"result"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "compaction_total",
			Help: "Leveled merges, by target level and result.",
		}, []string{"level", "result"}),
		walFsync: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "wal_fsync_seconds",
			Help:    "Latency of the fsync a WAL append blocks on before acknowledging.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		levelSSTCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "level_sst_count",
			Help: "Number of live SSTables per level.",
		}, []string{"level"}),
	}

	reg.MustRegister(s.arenaUsed, s.arenaSize, s.memtableBytes, s.flushes, s.compactions, s.walFsync, s.levelSSTCount)
	return s
}

func (s *promSink) SetArenaBytes(used, size int64) {
	s.arenaUsed.Set(float64(used))
	s.arenaSize.Set(float64(size))
}

func (s *promSink) SetMemTableBytes(n int64) { s.memtableBytes.Set(float64(n)) }

func (s *promSink) IncFlush(ok bool) {
	s.flushes.WithLabelValues(resultLabel(ok)).Inc()
}

func (s *promSink) IncCompaction(level int, ok bool) {
	s.compactions.WithLabelValues(levelLabel(level), resultLabel(ok)).Inc()
}

func (s *promSink) ObserveWALFsyncSeconds(seconds float64) { s.walFsync.Observe(seconds) }

func (s *promSink) SetLevelSSTCount(level int, n int) {
	s.levelSSTCount.WithLabelValues(levelLabel(level)).Set(float64(n))
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func levelLabel(level int) string { return strconv.Itoa(level) }
