package hlc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFrozenWallClock(t *testing.T, micros uint64) {
	t.Helper()
	orig := WallClockMicros
	WallClockMicros = func() uint64 { return micros }
	t.Cleanup(func() { WallClockMicros = orig })
}

func TestCompareLexicographic(t *testing.T) {
	a := HLC{Physical: 1, Logical: 0, NodeID: 7}
	b := HLC{Physical: 1, Logical: 0, NodeID: 7}
	assert.Zero(t, Compare(a, b))

	higherPhys := HLC{Physical: 2, Logical: 0, NodeID: 0}
	assert.Positive(t, Compare(higherPhys, a))

	higherLogical := HLC{Physical: 1, Logical: 1, NodeID: 0}
	assert.Positive(t, Compare(higherLogical, a))

	// Tiebreak by node_id when physical and logical match.
	higherNode := HLC{Physical: 1, Logical: 0, NodeID: 8}
	assert.Positive(t, Compare(higherNode, a))
}

func TestNowSendAdvancesLogicalOnSamePhysicalTick(t *testing.T) {
	withFrozenWallClock(t, 1000)
	c := NewClock(7)

	first := c.NowSend()
	second := c.NowSend()

	assert.Equal(t, uint64(1000), first.Physical)
	assert.Equal(t, uint16(0), first.Logical)
	assert.Equal(t, uint64(1000), second.Physical)
	assert.Equal(t, uint16(1), second.Logical)
	assert.True(t, Less(first, second))
}

func TestNowSendClampsWallClockRegression(t *testing.T) {
	c := NewClock(1)

	WallClockMicros = func() uint64 { return 5000 }
	first := c.NowSend()

	// Simulate an NTP step backwards.
	WallClockMicros = func() uint64 { return 100 }
	t.Cleanup(func() { WallClockMicros = func() uint64 { return 0 } })
	second := c.NowSend()

	assert.True(t, Less(first, second), "a wall-clock regression must never produce a decreasing HLC")
	assert.Equal(t, first.Physical, second.Physical, "physical is clamped to the previous value")
	assert.Equal(t, first.Logical+1, second.Logical)
}

func TestRecvAndMergeLocalOnlyMatches(t *testing.T) {
	withFrozenWallClock(t, 500)
	c := NewClock(1)
	c.NowSend() // prev = {500, 0}

	remote := HLC{Physical: 100, Logical: 9, NodeID: 2}
	merged := c.RecvAndMerge(remote)

	assert.Equal(t, uint64(500), merged.Physical)
	assert.Equal(t, uint16(1), merged.Logical) // prev.log + 1
}

func TestRecvAndMergeRemoteOnlyMatches(t *testing.T) {
	withFrozenWallClock(t, 500)
	c := NewClock(1)
	c.NowSend() // prev = {500, 0}

	remote := HLC{Physical: 900, Logical: 4, NodeID: 2}
	merged := c.RecvAndMerge(remote)

	assert.Equal(t, uint64(900), merged.Physical)
	assert.Equal(t, uint16(5), merged.Logical) // remote.log + 1
}

func TestRecvAndMergeBothMatch(t *testing.T) {
	withFrozenWallClock(t, 500)
	c := NewClock(1)
	c.NowSend() // prev = {500, 0}

	remote := HLC{Physical: 500, Logical: 7, NodeID: 2}
	merged := c.RecvAndMerge(remote)

	assert.Equal(t, uint64(500), merged.Physical)
	assert.Equal(t, uint16(8), merged.Logical) // max(prev.log, remote.log) + 1
}

func TestRecvAndMergeNeitherMatches(t *testing.T) {
	withFrozenWallClock(t, 10)
	c := NewClock(1)
	c.NowSend()

	WallClockMicros = func() uint64 { return 999999 }
	remote := HLC{Physical: 10, Logical: 7, NodeID: 2}
	merged := c.RecvAndMerge(remote)

	assert.Equal(t, uint64(999999), merged.Physical)
	assert.Equal(t, uint16(0), merged.Logical)
}

func TestClockConcurrentNowSendNeverRepeats(t *testing.T) {
	withFrozenWallClock(t, 42)
	c := NewClock(1)

	const n = 500
	results := make([]HLC, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = c.NowSend()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint16]bool, n)
	for _, h := range results {
		require.False(t, seen[h.Logical], "duplicate logical tick %d", h.Logical)
		seen[h.Logical] = true
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := HLC{Physical: 0x0000AABBCCDDEE, Logical: 0x1234, NodeID: 0xDEADBEEF}
	buf := make([]byte, EncodedSize)
	Encode(buf, h)
	got := Decode(buf)
	assert.Equal(t, h, got)
}
