package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dseum/mousedb/internal/hlc"
)

func clock(physical uint64, logical uint16, node uint32) hlc.HLC {
	return hlc.HLC{Physical: physical, Logical: logical, NodeID: node}
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	stream := []Entry{
		{Key: []byte("a"), Value: []byte("apple"), Clock: clock(1, 0, 1)},
		{Key: []byte("b"), Value: []byte("banana"), Clock: clock(2, 0, 1)},
		{Key: []byte("c"), Value: []byte("cherry"), Clock: clock(3, 0, 1)},
	}

	footer, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), footer.EntryCount)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	assert.Equal(t, uint64(1), tbl.SSTID())
	assert.Equal(t, uint64(3), tbl.EntryCount())

	e, ok := tbl.Get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, []byte("banana"), e.Value)

	_, ok = tbl.Get([]byte("zzz"))
	assert.False(t, ok)
}

func TestWriteMergesDuplicateKeysByGreatestHLC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.sst")

	streamOld := []Entry{{Key: []byte("k"), Value: []byte("old"), Clock: clock(1, 0, 1)}}
	streamNew := []Entry{{Key: []byte("k"), Value: []byte("new"), Clock: clock(5, 0, 1)}}

	footer, err := Write(path, [][]Entry{streamOld, streamNew}, WriteOptions{SSTID: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), footer.EntryCount)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	e, ok := tbl.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("new"), e.Value)
}

func TestWriteKeepsTombstonesByDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.sst")

	stream := []Entry{{Key: []byte("k"), Clock: clock(1, 0, 1), Tombstone: true}}
	footer, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), footer.EntryCount)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	e, ok := tbl.Get([]byte("k"))
	require.True(t, ok)
	assert.True(t, e.Tombstone)
}

func TestWriteDropsTombstonesWhenRequested(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000004.sst")

	stream := []Entry{
		{Key: []byte("k"), Clock: clock(1, 0, 1), Tombstone: true},
		{Key: []byte("m"), Value: []byte("v"), Clock: clock(1, 0, 1)},
	}
	footer, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 4, DropTombstones: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), footer.EntryCount)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	_, ok := tbl.Get([]byte("k"))
	assert.False(t, ok)
	_, ok = tbl.Get([]byte("m"))
	assert.True(t, ok)
}

func TestGetReturnsFalseForBloomMiss(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000005.sst")

	stream := []Entry{{Key: []byte("present"), Value: []byte("v"), Clock: clock(1, 0, 1)}}
	_, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 5})
	require.NoError(t, err)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	_, ok := tbl.Get([]byte("absent-key-never-written"))
	assert.False(t, ok)
}

func TestSparseIndexNarrowsMultiBlockTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000006.sst")

	var stream []Entry
	for i := 0; i < 500; i++ {
		stream = append(stream, Entry{
			Key:   []byte(fmt.Sprintf("key-%04d", i)),
			Value: []byte(fmt.Sprintf("value-%04d", i)),
			Clock: clock(uint64(i+1), 0, 1),
		})
	}

	footer, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 6, IndexStride: 256})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), footer.EntryCount)
	assert.Greater(t, footer.IndexLen, uint64(0))

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	for _, i := range []int{0, 1, 250, 499} {
		key := fmt.Sprintf("key-%04d", i)
		e, ok := tbl.Get([]byte(key))
		require.True(t, ok, "expected key %s present", key)
		assert.Equal(t, fmt.Sprintf("value-%04d", i), string(e.Value))
	}
}

func TestFirstKeyAndLastKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000007.sst")

	stream := []Entry{
		{Key: []byte("alpha"), Value: []byte("1"), Clock: clock(1, 0, 1)},
		{Key: []byte("beta"), Value: []byte("2"), Clock: clock(2, 0, 1)},
		{Key: []byte("gamma"), Value: []byte("3"), Clock: clock(3, 0, 1)},
	}
	_, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 7})
	require.NoError(t, err)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	assert.Equal(t, []byte("alpha"), tbl.FirstKey())
	assert.Equal(t, []byte("gamma"), tbl.LastKey())
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.sst")
	require.NoError(t, os.WriteFile(path, make([]byte, FooterSize), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestWriteIsAtomicViaRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000008.sst")

	stream := []Entry{{Key: []byte("k"), Value: []byte("v"), Clock: clock(1, 0, 1)}}
	_, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 8})
	require.NoError(t, err)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a completed write")

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestWriteCompressesLargeRepetitiveValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000009.sst")

	bigValue := []byte(strings.Repeat("mousedb-mousedb-mousedb-", 50))
	stream := []Entry{
		{Key: []byte("k"), Value: bigValue, Clock: clock(1, 0, 1)},
		{Key: []byte("small"), Value: []byte("tiny"), Clock: clock(1, 0, 1)},
	}
	_, err := Write(path, [][]Entry{stream}, WriteOptions{SSTID: 9, CompressValues: true})
	require.NoError(t, err)

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	e, ok := tbl.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, bigValue, e.Value)

	small, ok := tbl.Get([]byte("small"))
	require.True(t, ok)
	assert.Equal(t, []byte("tiny"), small.Value)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Less(t, int64(len(raw)), int64(len(bigValue))+int64(FooterSize))
}
