package disk

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coredb/storage/page"
)

func newTestManager(t *testing.T) Manager {
	t.Helper()
	path := "disk_mgr_" + uuid.New().String() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	dm, isNew, err := NewDiskManager(path)
	require.NoError(t, err)
	require.True(t, isNew)
	t.Cleanup(func() { _ = dm.Close() })
	return dm
}

func TestDiskManager_AllocatePageStartsAtZero(t *testing.T) {
	dm := newTestManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, page.ID(0), id)

	free, err := dm.IsPageFree(id)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestDiskManager_WriteThenReadRoundTrips(t *testing.T) {
	dm := newTestManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)

	data := make([]byte, page.Size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, dm.WritePage(id, data))

	got, err := dm.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// overwrite and re-read.
	for i := range data {
		data[i] = byte((i + 17) % 251)
	}
	require.NoError(t, dm.WritePage(id, data))
	got, err = dm.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDiskManager_DeAllocateFreesThePage(t *testing.T) {
	dm := newTestManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)

	ok, err := dm.DeAllocatePage(id)
	require.NoError(t, err)
	assert.True(t, ok)

	free, err := dm.IsPageFree(id)
	require.NoError(t, err)
	assert.True(t, free)

	// deallocating an already-free page is a no-op, not an error.
	ok, err = dm.DeAllocatePage(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskManager_AllocatePageReusesFreedSlots(t *testing.T) {
	dm := newTestManager(t)

	first, err := dm.AllocatePage()
	require.NoError(t, err)
	second, err := dm.AllocatePage()
	require.NoError(t, err)
	ok, err := dm.DeAllocatePage(first)
	require.NoError(t, err)
	require.True(t, ok)

	third, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.NotEqual(t, second, third)
}

func TestDiskManager_AllocatePageSpansExtents(t *testing.T) {
	dm := newTestManager(t)

	ids := make(map[page.ID]bool)
	for i := 0; i < int(page.BitmapSize)+5; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		assert.False(t, ids[id], "page id %d allocated twice", id)
		ids[id] = true
	}
	assert.Len(t, ids, int(page.BitmapSize)+5)
}

func TestDiskManager_InvalidPageID(t *testing.T) {
	dm := newTestManager(t)

	_, err := dm.ReadPage(page.InvalidID)
	assert.ErrorIs(t, err, ErrInvalidPageID)

	err = dm.WritePage(page.ID(-5), make([]byte, page.Size))
	assert.ErrorIs(t, err, ErrInvalidPageID)
}

func TestDiskManager_ReopenPreservesAllocations(t *testing.T) {
	path := "disk_mgr_reopen_" + uuid.New().String() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	dm, isNew, err := NewDiskManager(path)
	require.NoError(t, err)
	require.True(t, isNew)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	data := make([]byte, page.Size)
	data[0] = 0xAB
	require.NoError(t, dm.WritePage(id, data))
	require.NoError(t, dm.Close())

	dm2, isNew2, err := NewDiskManager(path)
	require.NoError(t, err)
	require.False(t, isNew2)
	t.Cleanup(func() { _ = dm2.Close() })

	free, err := dm2.IsPageFree(id)
	require.NoError(t, err)
	assert.False(t, free)

	got, err := dm2.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), got[0])

	next, err := dm2.AllocatePage()
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}
