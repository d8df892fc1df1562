package btree

import (
	"encoding/binary"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coredb/storage/buffer"
	"coredb/storage/disk"
	"coredb/storage/page"
)

func newTestTree(t *testing.T, poolSize int, keySize int) *BPlusTree {
	t.Helper()
	path := "btree_" + uuid.New().String() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	dm, _, err := disk.NewDiskManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	bp := buffer.NewBufferPool(dm, poolSize)

	rootsRaw, err := bp.NewPage()
	require.NoError(t, err)
	InitIndexRootsPage(rootsRaw)
	require.NoError(t, bp.UnpinPage(rootsRaw.GetPageID(), true))

	tree, err := NewBPlusTree(bp, keySize, rootsRaw.GetPageID(), 0)
	require.NoError(t, err)
	return tree
}

func intKey(v int32) Key {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func TestBPlusTree_InsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 20, 4)
	assert.True(t, tree.IsEmpty())

	require.NoError(t, tree.Insert(intKey(1), 100))
	require.NoError(t, tree.Insert(intKey(2), 200))
	assert.False(t, tree.IsEmpty())

	v, err := tree.GetValue(intKey(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v)

	v, err = tree.GetValue(intKey(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), v)

	_, err = tree.GetValue(intKey(3))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBPlusTree_InsertDuplicateKeyFails(t *testing.T) {
	tree := newTestTree(t, 20, 4)
	require.NoError(t, tree.Insert(intKey(5), 1))
	assert.ErrorIs(t, tree.Insert(intKey(5), 2), ErrDuplicateKey)
}

func TestBPlusTree_RemoveKeyNotFound(t *testing.T) {
	tree := newTestTree(t, 20, 4)
	assert.ErrorIs(t, tree.Remove(intKey(1)), ErrKeyNotFound)

	require.NoError(t, tree.Insert(intKey(1), 1))
	require.NoError(t, tree.Remove(intKey(1)))
	assert.True(t, tree.IsEmpty())
	assert.ErrorIs(t, tree.Remove(intKey(1)), ErrKeyNotFound)
}

func TestBPlusTree_SplitsAcrossManyInserts(t *testing.T) {
	tree := newTestTree(t, 20, 4)

	const n = 2000
	for i := int32(0); i < n; i++ {
		require.NoError(t, tree.Insert(intKey(i), uint64(i)*10))
	}

	for i := int32(0); i < n; i++ {
		v, err := tree.GetValue(intKey(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i)*10, v)
	}
}

func TestBPlusTree_IteratorWalksInSortedOrder(t *testing.T) {
	tree := newTestTree(t, 20, 4)

	const n = 500
	perm := rand.New(rand.NewSource(7)).Perm(n)
	for _, v := range perm {
		require.NoError(t, tree.Insert(intKey(int32(v)), uint64(v)))
	}

	it, err := Begin(tree)
	require.NoError(t, err)

	var got []int32
	for ; it.Valid(); it.Next() {
		got = append(got, int32(binary.BigEndian.Uint32(it.Key())))
	}
	require.Len(t, got, n)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }))
}

func TestBPlusTree_SeekPositionsAtOrAfterKey(t *testing.T) {
	tree := newTestTree(t, 20, 4)
	for _, v := range []int32{10, 20, 30, 40, 50} {
		require.NoError(t, tree.Insert(intKey(v), uint64(v)))
	}

	it, err := Seek(tree, intKey(25))
	require.NoError(t, err)
	require.True(t, it.Valid())
	assert.Equal(t, int32(30), int32(binary.BigEndian.Uint32(it.Key())))

	it2, err := Seek(tree, intKey(100))
	require.NoError(t, err)
	assert.False(t, it2.Valid())
}

// TestBPlusTree_RandomInsertAndRemove mirrors a bulk random insert/remove
// workload: insert a large random key set, verify every key is findable and
// iteration order matches a sort, remove half at random, verify the removed
// keys are gone and the rest remain findable.
func TestBPlusTree_RandomInsertAndRemove(t *testing.T) {
	tree := newTestTree(t, 64, 4)
	rng := rand.New(rand.NewSource(42))

	const n = 10000
	keys := rng.Perm(n)
	for _, k := range keys {
		require.NoError(t, tree.Insert(intKey(int32(k)), uint64(k)))
	}

	it, err := Begin(tree)
	require.NoError(t, err)
	prev := int32(-1)
	count := 0
	for ; it.Valid(); it.Next() {
		cur := int32(binary.BigEndian.Uint32(it.Key()))
		assert.Greater(t, cur, prev)
		prev = cur
		count++
	}
	assert.Equal(t, n, count)

	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	removed := keys[:n/2]
	remaining := keys[n/2:]

	for _, k := range removed {
		require.NoError(t, tree.Remove(intKey(int32(k))))
	}

	for _, k := range removed {
		_, err := tree.GetValue(intKey(int32(k)))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	for _, k := range remaining {
		v, err := tree.GetValue(intKey(int32(k)))
		require.NoError(t, err)
		assert.Equal(t, uint64(k), v)
	}
}

func TestBPlusTree_RemoveAllLeavesEmptyTree(t *testing.T) {
	tree := newTestTree(t, 20, 4)

	const n = 300
	for i := int32(0); i < n; i++ {
		require.NoError(t, tree.Insert(intKey(i), uint64(i)))
	}
	for i := int32(0); i < n; i++ {
		require.NoError(t, tree.Remove(intKey(i)))
	}
	assert.True(t, tree.IsEmpty())

	it, err := Begin(tree)
	require.NoError(t, err)
	assert.False(t, it.Valid())
}

func TestIndexRootsPage_SetAndGet(t *testing.T) {
	raw := page.NewRawPage(page.ID(1))
	rp := InitIndexRootsPage(raw)

	_, ok := rp.Get(7)
	assert.False(t, ok)

	rp.Set(7, page.ID(3))
	rp.Set(9, page.ID(4))
	root, ok := rp.Get(7)
	require.True(t, ok)
	assert.Equal(t, page.ID(3), root)

	rp.Set(7, page.ID(5))
	root, ok = rp.Get(7)
	require.True(t, ok)
	assert.Equal(t, page.ID(5), root)
}
