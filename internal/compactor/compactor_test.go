package compactor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dseum/mousedb/internal/hlc"
	"github.com/dseum/mousedb/internal/manifest"
	"github.com/dseum/mousedb/internal/memtable"
)

func clock(physical uint64, logical uint16, node uint32) hlc.HLC {
	return hlc.HLC{Physical: physical, Logical: logical, NodeID: node}
}

func newMemTable(t *testing.T, entries map[string]string) *memtable.MemTable {
	t.Helper()
	mt := memtable.New(memtable.Options{MaxHeight: 8, BranchingFactor: 4, SlabSize: 4096})
	phys := uint64(1)
	for k, v := range entries {
		mt.Insert([]byte(k), []byte(v), clock(phys, 0, 1))
		phys++
	}
	return mt
}

func newCompactor(t *testing.T, workers int, budgets []int64) (*Compactor, *manifest.Manifest, string) {
	t.Helper()
	dir := t.TempDir()
	man, initial, err := manifest.Open(filepath.Join(dir, "MANIFEST"))
	require.NoError(t, err)

	c, err := New(Options{
		Dir:          dir,
		Manifest:     man,
		Workers:      workers,
		QueueCap:     4,
		LevelBudgets: budgets,
		IndexStride:  64,
	}, initial)
	require.NoError(t, err)
	return c, man, dir
}

func TestEnqueueFlushProducesLevelZeroTable(t *testing.T) {
	c, man, _ := newCompactor(t, 2, DefaultLevelBudgets)
	defer func() {
		c.Close()
		man.Close()
	}()

	mt := newMemTable(t, map[string]string{"a": "1", "b": "2"})
	require.NoError(t, c.EnqueueFlush(mt))

	snap := c.Snapshot()
	require.GreaterOrEqual(t, len(snap), 1)
	require.Len(t, snap[0], 1)

	e, ok := snap[0][0].Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), e.Value)
}

func TestFlushRegistersManifestRecordSurvivingReopen(t *testing.T) {
	dir := t.TempDir()
	man, initial, err := manifest.Open(filepath.Join(dir, "MANIFEST"))
	require.NoError(t, err)

	c, err := New(Options{Dir: dir, Manifest: man, Workers: 1, QueueCap: 2, IndexStride: 64}, initial)
	require.NoError(t, err)

	mt := newMemTable(t, map[string]string{"x": "y"})
	require.NoError(t, c.EnqueueFlush(mt))
	require.NoError(t, c.Close())
	require.NoError(t, man.Close())

	man2, tables, err := manifest.Open(filepath.Join(dir, "MANIFEST"))
	require.NoError(t, err)
	defer man2.Close()

	require.Len(t, tables, 1)
	assert.Equal(t, 0, tables[0].Level)
}

func TestMultipleFlushesEachGetDistinctSSTID(t *testing.T) {
	c, man, _ := newCompactor(t, 4, DefaultLevelBudgets)
	defer func() {
		c.Close()
		man.Close()
	}()

	for i := 0; i < 5; i++ {
		mt := newMemTable(t, map[string]string{"k": "v"})
		require.NoError(t, c.EnqueueFlush(mt))
	}

	snap := c.Snapshot()
	seen := map[uint64]bool{}
	for _, t0 := range snap[0] {
		require.False(t, seen[t0.SSTID()], "sst_id %d reused across flushes", t0.SSTID())
		seen[t0.SSTID()] = true
	}
	assert.Len(t, seen, 5)
}

func TestBudgetExceededTriggersMergeIntoNextLevel(t *testing.T) {
	// A near-zero level-0 budget forces every flush to immediately
	// qualify for a merge into level 1.
	c, man, _ := newCompactor(t, 2, []int64{1, 1 << 30})
	defer func() {
		c.Close()
		man.Close()
	}()

	mt1 := newMemTable(t, map[string]string{"a": "1"})
	require.NoError(t, c.EnqueueFlush(mt1))

	// Give the background merge worker a moment; flush completion
	// already enqueued a merge check for level 0 synchronously via the
	// mergeCh, but the merge itself runs in the worker goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if len(snap) > 1 && len(snap[1]) > 0 {
			e, ok := snap[1][0].Get([]byte("a"))
			if ok {
				assert.Equal(t, []byte("1"), e.Value)
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected level-0 table to merge into level 1 under a tiny budget")
}

func TestRangesOverlap(t *testing.T) {
	assert.True(t, rangesOverlap([]byte("a"), []byte("m"), []byte("g"), []byte("z")))
	assert.False(t, rangesOverlap([]byte("a"), []byte("f"), []byte("g"), []byte("z")))
	assert.True(t, rangesOverlap(nil, nil, []byte("a"), []byte("z")))
}
