package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	m, tables, err := Open(filepath.Join(dir, "MANIFEST"))
	require.NoError(t, err)
	defer m.Close()

	assert.Empty(t, tables)
}

func TestAppendAndReplayReconstructsLevels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	m, _, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, m.Append(Record{Op: OpAdd, SSTID: 1, Level: 0, FirstKey: []byte("a"), LastKey: []byte("m")}))
	require.NoError(t, m.Append(Record{Op: OpAdd, SSTID: 2, Level: 0, FirstKey: []byte("n"), LastKey: []byte("z")}))
	require.NoError(t, m.Close())

	m2, tables, err := Open(path)
	require.NoError(t, err)
	defer m2.Close()

	require.Len(t, tables, 2)
	byID := map[uint64]TableRef{}
	for _, tb := range tables {
		byID[tb.SSTID] = tb
	}
	assert.Equal(t, 0, byID[1].Level)
	assert.Equal(t, []byte("a"), byID[1].FirstKey)
	assert.Equal(t, []byte("z"), byID[2].LastKey)
}

func TestRemoveRetiresTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	m, _, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, m.Append(Record{Op: OpAdd, SSTID: 1, Level: 0, FirstKey: []byte("a"), LastKey: []byte("m")}))
	require.NoError(t, m.Append(Record{Op: OpRemove, SSTID: 1, Level: 0, FirstKey: []byte("a"), LastKey: []byte("m")}))
	require.NoError(t, m.Close())

	_, tables, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestAtomicSwapAppliesAllOrNothingOnReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	m, _, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, m.Append(Record{Op: OpAdd, SSTID: 1, Level: 1, FirstKey: []byte("a"), LastKey: []byte("m")}))
	require.NoError(t, m.Append(Record{Op: OpAdd, SSTID: 2, Level: 1, FirstKey: []byte("n"), LastKey: []byte("z")}))

	require.NoError(t, m.AppendAtomicSwap([]Record{
		{Op: OpAdd, SSTID: 3, Level: 2, FirstKey: []byte("a"), LastKey: []byte("z")},
		{Op: OpRemove, SSTID: 1, Level: 1, FirstKey: []byte("a"), LastKey: []byte("m")},
		{Op: OpRemove, SSTID: 2, Level: 1, FirstKey: []byte("n"), LastKey: []byte("z")},
	}))
	require.NoError(t, m.Close())

	_, tables, err := Open(path)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, uint64(3), tables[0].SSTID)
	assert.Equal(t, 2, tables[0].Level)
}

func TestOpenFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	m, _, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, _, err = Open(path)
	assert.Error(t, err)
}
