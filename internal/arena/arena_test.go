package arena

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addr exposes a slice's backing address for overlap checks only; MouseDB's
// allocator itself never needs unsafe since callers just hold []byte slices.
func addr(p []byte) uintptr {
	return uintptr(unsafe.Pointer(&p[:1][0]))
}

func TestArena_AllocateAndUnused(t *testing.T) {
	a := New(4096)
	p1 := a.Allocate(100)
	require.NotNil(t, p1)
	assert.EqualValues(t, 4096-100, a.Unused())
}

func TestArena_MultipleAllocations(t *testing.T) {
	a := New(4096)
	p1 := a.Allocate(100)
	p2 := a.Allocate(200)
	assert.Equal(t, addr(p1)+100, addr(p2), "p2 should immediately follow p1 in the active slab")
	assert.EqualValues(t, 4096-100-200, a.Unused())
}

func TestArena_AllocateExactSlabSize(t *testing.T) {
	a := New(4096)
	p := a.Allocate(4096)
	require.NotNil(t, p)
	assert.EqualValues(t, 0, a.Unused())
}

func TestArena_AllocateSlabUniqueness(t *testing.T) {
	a := New(4096)
	s1 := a.AllocateSlab(100)
	s2 := a.AllocateSlab(200)
	assert.NotEqual(t, addr(s1), addr(s2))
}

func TestConcurrentArena_AllocateAndUnused(t *testing.T) {
	ca := NewConcurrentArena(4096)
	p := ca.Allocate(100)
	require.NotNil(t, p)
	assert.EqualValues(t, 4096-100, ca.Unused())
}

func TestConcurrentArena_MultipleAllocations(t *testing.T) {
	ca := NewConcurrentArena(4096)
	p1 := ca.Allocate(100)
	p2 := ca.Allocate(200)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	assert.EqualValues(t, 4096-100-200, ca.Unused())
}

func TestConcurrentArena_LargeAllocation(t *testing.T) {
	ca := NewConcurrentArena(4096)
	before := ca.Unused()
	// A request at or above the slab size gets its own dedicated slab and
	// never touches the active cursor, so Unused() doesn't move.
	p := ca.Allocate(5000)
	require.NotNil(t, p)
	assert.Equal(t, before, ca.Unused())
}

func TestConcurrentArena_ThreadSafety(t *testing.T) {
	ca := NewConcurrentArena(4096)

	var mu sync.Mutex
	var ptrs [][]byte

	worker := func(wg *sync.WaitGroup) {
		defer wg.Done()
		p := ca.Allocate(200)
		mu.Lock()
		ptrs = append(ptrs, p)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go worker(&wg)
	go worker(&wg)
	wg.Wait()

	require.Len(t, ptrs, 2)
	assertNoOverlap(t, ptrs)
}

func TestConcurrentArena_ExtremeTripleAlternatingSizes(t *testing.T) {
	const (
		numWorkers      = 8
		allocsPerWorker = 3000
		sizeSmall       = 64
		sizeMedium      = 128
		sizeLarge       = 1024
	)

	ca := NewConcurrentArena(4096)

	var mu sync.Mutex
	ptrs := make([][]byte, 0, numWorkers*allocsPerWorker)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			local := make([][]byte, 0, allocsPerWorker)
			for i := 0; i < allocsPerWorker; i++ {
				var size int
				switch i % 3 {
				case 0:
					size = sizeSmall
				case 1:
					size = sizeMedium
				default:
					size = sizeLarge
				}
				p := ca.Allocate(size)
				require.NotNil(t, p)
				local = append(local, p)
			}
			mu.Lock()
			ptrs = append(ptrs, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ptrs, numWorkers*allocsPerWorker)
	assertNoOverlap(t, ptrs)
}

// assertNoOverlap fails the test if any two byte ranges in ptrs overlap,
// mirroring the spec's invariant that live allocations never alias.
func assertNoOverlap(t *testing.T, ptrs [][]byte) {
	t.Helper()

	type span struct {
		start, end uintptr
	}
	spans := make([]span, 0, len(ptrs))
	for _, p := range ptrs {
		if len(p) == 0 {
			continue
		}
		start := addr(p)
		spans = append(spans, span{start: start, end: start + uintptr(len(p))})
	}

	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			overlap := spans[i].start < spans[j].end && spans[j].start < spans[i].end
			assert.Falsef(t, overlap, "overlapping allocations: %v and %v", spans[i], spans[j])
		}
	}
}
