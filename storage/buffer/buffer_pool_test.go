package buffer

import (
	"math/rand"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coredb/storage/disk"
	"coredb/storage/page"
)

func newTestPool(t *testing.T, poolSize int) *BufferPool {
	t.Helper()
	path := "bufpool_" + uuid.New().String() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	dm, _, err := disk.NewDiskManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	return NewBufferPool(dm, poolSize)
}

// TestBufferPool_WriteReadRoundTrip mirrors the spec's buffer pool write/read
// scenario: a 10-frame pool, the first NewPage is page 0, a page's bytes
// survive unpin-dirty/flush/re-fetch, twice.
func TestBufferPool_WriteReadRoundTrip(t *testing.T) {
	bp := newTestPool(t, 10)

	p, err := bp.NewPage()
	require.NoError(t, err)
	assert.Equal(t, page.ID(0), p.GetPageID())

	want := make([]byte, page.Size)
	rand.New(rand.NewSource(1)).Read(want)
	copy(p.Data, want)
	require.NoError(t, bp.UnpinPage(p.GetPageID(), true))
	require.NoError(t, bp.FlushPage(p.GetPageID()))

	got, err := bp.FetchPage(p.GetPageID())
	require.NoError(t, err)
	assert.Equal(t, want, got.Data)

	rand.New(rand.NewSource(2)).Read(want)
	copy(got.Data, want)
	require.NoError(t, bp.UnpinPage(got.GetPageID(), true))
	require.NoError(t, bp.FlushPage(got.GetPageID()))

	got2, err := bp.FetchPage(p.GetPageID())
	require.NoError(t, err)
	assert.Equal(t, want, got2.Data)
	require.NoError(t, bp.UnpinPage(got2.GetPageID(), false))
}

func TestBufferPool_UnpinBalancesPinCount(t *testing.T) {
	bp := newTestPool(t, 4)

	p, err := bp.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()
	require.NoError(t, bp.UnpinPage(id, false))

	for i := 0; i < 3; i++ {
		fetched, err := bp.FetchPage(id)
		require.NoError(t, err)
		assert.Equal(t, int32(1), fetched.GetPinCount())
		require.NoError(t, bp.UnpinPage(id, false))
	}
}

func TestBufferPool_EvictsWhenFull(t *testing.T) {
	bp := newTestPool(t, 2)

	p1, err := bp.NewPage()
	require.NoError(t, err)
	require.NoError(t, bp.UnpinPage(p1.GetPageID(), false))

	p2, err := bp.NewPage()
	require.NoError(t, err)
	require.NoError(t, bp.UnpinPage(p2.GetPageID(), false))

	// both frames are unpinned, so a third NewPage must evict one rather
	// than returning ErrPoolFull.
	p3, err := bp.NewPage()
	require.NoError(t, err)
	require.NoError(t, bp.UnpinPage(p3.GetPageID(), false))
	assert.Equal(t, 2, bp.Size())
}

func TestBufferPool_PoolFullWhenEveryFrameIsPinned(t *testing.T) {
	bp := newTestPool(t, 1)

	p1, err := bp.NewPage()
	require.NoError(t, err)
	defer bp.UnpinPage(p1.GetPageID(), false)

	_, err = bp.NewPage()
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestBufferPool_UnpinUnpooledPageFails(t *testing.T) {
	bp := newTestPool(t, 2)
	assert.ErrorIs(t, bp.UnpinPage(page.ID(99), false), ErrPageNotPooled)
}

func TestBufferPool_DeletePageFreesTheSlot(t *testing.T) {
	bp := newTestPool(t, 2)

	p, err := bp.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()
	require.NoError(t, bp.UnpinPage(id, false))

	require.NoError(t, bp.DeletePage(id))

	// the page id is no longer resident; fetching it again must read a
	// freshly zeroed page rather than returning stale content.
	refetched, err := bp.FetchPage(id)
	require.NoError(t, err)
	for _, b := range refetched.Data {
		assert.Equal(t, byte(0), b)
	}
	require.NoError(t, bp.UnpinPage(id, false))
}

func TestBufferPool_FlushAllPagesFlushesEveryDirtyFrame(t *testing.T) {
	bp := newTestPool(t, 4)

	ids := make([]page.ID, 0, 3)
	for i := 0; i < 3; i++ {
		p, err := bp.NewPage()
		require.NoError(t, err)
		p.Data[0] = byte(i + 1)
		ids = append(ids, p.GetPageID())
		require.NoError(t, bp.UnpinPage(p.GetPageID(), true))
	}

	require.NoError(t, bp.FlushAllPages())

	for i, id := range ids {
		got, err := bp.FetchPage(id)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), got.Data[0])
		require.NoError(t, bp.UnpinPage(id, false))
	}
}
