package btree

import (
	"errors"
	"fmt"
	"sync"

	"coredb/storage/buffer"
	"coredb/storage/page"
)

// ErrKeyNotFound is returned by GetValue/Remove when key has no entry.
var ErrKeyNotFound = errors.New("btree: key not found")

// ErrDuplicateKey is returned by Insert when key already has an entry; this
// tree does not support duplicate keys directly (a unique index's
// invariant), callers needing non-unique indexes append the RowID into the
// key itself.
var ErrDuplicateKey = errors.New("btree: duplicate key")

// BPlusTree is a disk-resident B+tree over fixed-width keys, backed by a
// buffer pool. Every structural mutation (Insert, Remove) takes the tree's
// own lock for its whole duration: this is coarser than page-level latch
// crabbing but keeps the split/merge bookkeeping above straightforward, and
// concurrent readers (GetValue, iteration) only need a read lock since they
// never mutate node content.
type BPlusTree struct {
	bp      buffer.Pool
	keySize int

	leafMaxSize     int
	internalMaxSize int

	rootsPageID page.ID
	indexID     int32

	mu         sync.RWMutex
	rootPageID page.ID
}

// NewBPlusTree opens (or, if indexID has no entry yet, prepares to create)
// the B+tree identified by indexID, sharing rootsPageID with every other
// index in the database.
func NewBPlusTree(bp buffer.Pool, keySize int, rootsPageID page.ID, indexID int32) (*BPlusTree, error) {
	t := &BPlusTree{
		bp:              bp,
		keySize:         keySize,
		leafMaxSize:     (page.Size - leafHeaderSize) / (keySize + leafValueSize),
		internalMaxSize: (page.Size - commonHeaderSize) / (keySize + 4),
		rootsPageID:     rootsPageID,
		indexID:         indexID,
		rootPageID:      page.InvalidID,
	}
	if t.leafMaxSize < 3 || t.internalMaxSize < 3 {
		return nil, fmt.Errorf("btree: key size %d too large for page size %d", keySize, page.Size)
	}

	raw, err := bp.FetchPage(rootsPageID)
	if err != nil {
		return nil, fmt.Errorf("btree: fetching roots page: %w", err)
	}
	rp := CastIndexRootsPage(raw)
	rp.RLatch()
	if root, ok := rp.Get(indexID); ok {
		t.rootPageID = root
	}
	rp.RUnlatch()
	_ = bp.UnpinPage(rootsPageID, false)
	return t, nil
}

func (t *BPlusTree) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID == page.InvalidID
}

func (t *BPlusTree) fetchLeaf(id page.ID) (*leafNode, error) {
	raw, err := t.bp.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return castLeaf(raw, t.keySize), nil
}

func (t *BPlusTree) fetchInternal(id page.ID) (*internalNode, error) {
	raw, err := t.bp.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return castInternal(raw, t.keySize), nil
}

func (t *BPlusTree) fetchIsLeaf(id page.ID) (*node, error) {
	raw, err := t.bp.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return &node{raw: raw, keySize: t.keySize}, nil
}

func (t *BPlusTree) unpin(id page.ID, dirty bool) { _ = t.bp.UnpinPage(id, dirty) }

// findLeaf descends from root to the leaf that would hold key (or, if
// leftMost, the tree's first leaf), pinning every page it passes through and
// unpinning all but the returned leaf.
func (t *BPlusTree) findLeaf(key Key, leftMost bool) (*leafNode, error) {
	id := t.rootPageID
	for {
		n, err := t.fetchIsLeaf(id)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			return castLeaf(n.raw, t.keySize), nil
		}
		internal := castInternal(n.raw, t.keySize)
		var next page.ID
		if leftMost {
			next = internal.ValueAt(0)
		} else {
			next = internal.Lookup(key)
		}
		t.unpin(id, false)
		id = next
	}
}

// minKeyOfSubtree returns the minimum key stored under pageID, descending
// through internal nodes' leftmost child until it reaches a leaf.
func (t *BPlusTree) minKeyOfSubtree(pageID page.ID) (Key, error) {
	id := pageID
	for {
		n, err := t.fetchIsLeaf(id)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			l := castLeaf(n.raw, t.keySize)
			k := append(Key(nil), l.KeyAt(0)...)
			t.unpin(id, false)
			return k, nil
		}
		internal := castInternal(n.raw, t.keySize)
		next := internal.ValueAt(0)
		t.unpin(id, false)
		id = next
	}
}

// GetValue looks up key, returning its packed RowID value.
func (t *BPlusTree) GetValue(key Key) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return 0, ErrKeyNotFound
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return 0, err
	}
	leaf.raw.RLatch()
	v, ok := leaf.Lookup(key)
	leaf.raw.RUnlatch()
	t.unpin(leaf.PageID(), false)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return v, nil
}

// Insert adds key->value. It returns ErrDuplicateKey if key already exists.
func (t *BPlusTree) Insert(key Key, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.InvalidID {
		return t.startNewTree(key, value)
	}

	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return err
	}
	leaf.raw.WLatch()
	if _, ok := leaf.Lookup(key); ok {
		leaf.raw.WUnlatch()
		t.unpin(leaf.PageID(), false)
		return ErrDuplicateKey
	}
	leaf.Insert(key, value)

	if leaf.Size() < t.leafMaxSize {
		leaf.raw.WUnlatch()
		t.unpin(leaf.PageID(), true)
		return nil
	}

	newLeaf, err := t.splitLeaf(leaf)
	leaf.raw.WUnlatch()
	if err != nil {
		t.unpin(leaf.PageID(), true)
		return err
	}
	err = t.insertIntoParent(leaf.PageID(), newLeaf.PageID())
	t.unpin(leaf.PageID(), true)
	t.unpin(newLeaf.PageID(), true)
	return err
}

func (t *BPlusTree) startNewTree(key Key, value uint64) error {
	raw, err := t.bp.NewPage()
	if err != nil {
		return fmt.Errorf("btree: allocating root leaf: %w", err)
	}
	leaf := initLeaf(raw, t.keySize, t.leafMaxSize, page.InvalidID)
	leaf.Insert(key, value)
	t.rootPageID = leaf.PageID()
	if err := t.persistRoot(); err != nil {
		t.unpin(leaf.PageID(), true)
		return err
	}
	t.unpin(leaf.PageID(), true)
	return nil
}

func (t *BPlusTree) persistRoot() error {
	raw, err := t.bp.FetchPage(t.rootsPageID)
	if err != nil {
		return fmt.Errorf("btree: fetching roots page: %w", err)
	}
	rp := CastIndexRootsPage(raw)
	rp.WLatch()
	rp.Set(t.indexID, t.rootPageID)
	rp.WUnlatch()
	return t.bp.UnpinPage(t.rootsPageID, true)
}

// splitLeaf moves the upper half of leaf's entries into a freshly allocated
// sibling leaf, linked in immediately after leaf, and returns that sibling
// still pinned.
func (t *BPlusTree) splitLeaf(leaf *leafNode) (*leafNode, error) {
	raw, err := t.bp.NewPage()
	if err != nil {
		return nil, fmt.Errorf("btree: allocating split leaf: %w", err)
	}
	newLeaf := initLeaf(raw, t.keySize, t.leafMaxSize, leaf.ParentPageID())
	leaf.MoveHalfTo(newLeaf)
	newLeaf.SetNextPageID(leaf.NextPageID())
	leaf.SetNextPageID(newLeaf.PageID())
	return newLeaf, nil
}

func (t *BPlusTree) splitInternal(n *internalNode) (*internalNode, error) {
	raw, err := t.bp.NewPage()
	if err != nil {
		return nil, fmt.Errorf("btree: allocating split internal node: %w", err)
	}
	newNode := initInternal(raw, t.keySize, t.internalMaxSize, n.ParentPageID())
	n.MoveHalfTo(newNode)
	if err := t.reparentChildren(newNode); err != nil {
		return newNode, err
	}
	return newNode, nil
}

func (t *BPlusTree) reparentChildren(n *internalNode) error {
	for i := 0; i < n.Size(); i++ {
		child, err := t.fetchIsLeaf(n.ValueAt(i))
		if err != nil {
			return err
		}
		child.SetParentPageID(n.PageID())
		t.unpin(child.PageID(), true)
	}
	return nil
}

// insertIntoParent links newNode into oldNode's parent, keyed by newNode's
// minimum key, splitting the parent in turn if that overflows it. If
// oldNode was the root, a fresh internal root is created instead.
func (t *BPlusTree) insertIntoParent(oldNode, newNode page.ID) error {
	oldN, err := t.fetchIsLeaf(oldNode)
	if err != nil {
		return err
	}
	parentID := oldN.ParentPageID()
	t.unpin(oldNode, false)

	newKey, err := t.minKeyOfSubtree(newNode)
	if err != nil {
		return err
	}

	if parentID == page.InvalidID {
		raw, err := t.bp.NewPage()
		if err != nil {
			return fmt.Errorf("btree: allocating new root: %w", err)
		}
		root := initInternal(raw, t.keySize, t.internalMaxSize, page.InvalidID)
		oldKey, err := t.minKeyOfSubtree(oldNode)
		if err != nil {
			t.unpin(root.PageID(), true)
			return err
		}
		root.PopulateNewRoot(oldKey, oldNode, newKey, newNode)
		t.rootPageID = root.PageID()

		for _, id := range []page.ID{oldNode, newNode} {
			child, err := t.fetchIsLeaf(id)
			if err == nil {
				child.SetParentPageID(root.PageID())
				t.unpin(id, true)
			}
		}

		if err := t.persistRoot(); err != nil {
			t.unpin(root.PageID(), true)
			return err
		}
		t.unpin(root.PageID(), true)
		return nil
	}

	parent, err := t.fetchInternal(parentID)
	if err != nil {
		return err
	}
	parent.raw.WLatch()
	parent.InsertNodeAfter(oldNode, newKey, newNode)

	newN, err := t.fetchIsLeaf(newNode)
	if err == nil {
		newN.SetParentPageID(parentID)
		t.unpin(newNode, true)
	}

	if parent.Size() <= t.internalMaxSize {
		parent.raw.WUnlatch()
		t.unpin(parentID, true)
		return nil
	}

	newParentSibling, err := t.splitInternal(parent)
	parent.raw.WUnlatch()
	if err != nil {
		t.unpin(parentID, true)
		return err
	}
	err = t.insertIntoParent(parentID, newParentSibling.PageID())
	t.unpin(parentID, true)
	t.unpin(newParentSibling.PageID(), true)
	return err
}

// Remove deletes key's entry, rebalancing the tree (coalescing or
// redistributing underflowed nodes) as needed.
func (t *BPlusTree) Remove(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.InvalidID {
		return ErrKeyNotFound
	}

	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return err
	}
	leaf.raw.WLatch()
	idx := leaf.KeyIndex(key)
	if idx >= leaf.Size() || !leaf.KeyAt(idx).Equal(key) {
		leaf.raw.WUnlatch()
		t.unpin(leaf.PageID(), false)
		return ErrKeyNotFound
	}
	leaf.RemoveAt(idx)
	leaf.raw.WUnlatch()

	if idx == 0 && leaf.Size() > 0 {
		if err := t.updateAncestorKey(leaf.PageID(), append(Key(nil), leaf.KeyAt(0)...)); err != nil {
			t.unpin(leaf.PageID(), true)
			return err
		}
	}

	underflow := leaf.Size() < leaf.MinSize() && leaf.ParentPageID() != page.InvalidID
	if !underflow {
		if leaf.IsRoot() && leaf.Size() == 0 {
			return t.adjustRootLeaf(leaf)
		}
		t.unpin(leaf.PageID(), true)
		return nil
	}

	// coalesceOrRedistributeLeaf takes ownership of leaf's pin from here on.
	return t.coalesceOrRedistributeLeaf(leaf)
}

// updateAncestorKey walks up from child, fixing the key entries that record
// child's (and its leftmost ancestors') minimum, stopping as soon as it
// finds an ancestor where child's entry was not at index 0 — only the chain
// of leftmost descendants shares the same minimum key.
func (t *BPlusTree) updateAncestorKey(child page.ID, newMinKey Key) error {
	n, err := t.fetchIsLeaf(child)
	if err != nil {
		return err
	}
	parentID := n.ParentPageID()
	t.unpin(child, false)
	if parentID == page.InvalidID {
		return nil
	}

	parent, err := t.fetchInternal(parentID)
	if err != nil {
		return err
	}
	idx := parent.ValueIndex(child)
	if idx < 0 {
		t.unpin(parentID, false)
		return nil
	}
	parent.raw.WLatch()
	parent.SetKeyAt(idx, newMinKey)
	parent.raw.WUnlatch()

	if idx == 0 {
		t.unpin(parentID, true)
		return t.updateAncestorKey(parentID, newMinKey)
	}
	t.unpin(parentID, true)
	return nil
}

// adjustRootLeaf takes ownership of root's pin: the tree has become empty.
func (t *BPlusTree) adjustRootLeaf(root *leafNode) error {
	t.rootPageID = page.InvalidID
	if err := t.persistRoot(); err != nil {
		t.unpin(root.PageID(), false)
		return err
	}
	t.unpin(root.PageID(), false)
	return t.bp.DeletePage(root.PageID())
}

// adjustRootInternal takes ownership of root's pin: root has shrunk to a
// single child, which is promoted to be the new root.
func (t *BPlusTree) adjustRootInternal(root *internalNode) error {
	child := root.RemoveAndReturnOnlyChild()
	n, err := t.fetchIsLeaf(child)
	if err != nil {
		t.unpin(root.PageID(), false)
		return err
	}
	n.SetParentPageID(page.InvalidID)
	t.unpin(child, true)

	t.rootPageID = child
	if err := t.persistRoot(); err != nil {
		t.unpin(root.PageID(), false)
		return err
	}
	t.unpin(root.PageID(), false)
	return t.bp.DeletePage(root.PageID())
}

// coalesceOrRedistributeLeaf takes ownership of n's pin (from the caller's
// earlier fetch) and always releases or deletes it before returning.
func (t *BPlusTree) coalesceOrRedistributeLeaf(n *leafNode) error {
	if n.IsRoot() {
		if n.Size() == 0 {
			return t.adjustRootLeaf(n)
		}
		t.unpin(n.PageID(), true)
		return nil
	}

	parent, err := t.fetchInternal(n.ParentPageID())
	if err != nil {
		t.unpin(n.PageID(), true)
		return err
	}
	index := parent.ValueIndex(n.PageID())

	var siblingID page.ID
	siblingIsRight := index == 0
	if siblingIsRight {
		siblingID = parent.ValueAt(index + 1)
	} else {
		siblingID = parent.ValueAt(index - 1)
	}
	sibling, err := t.fetchLeaf(siblingID)
	if err != nil {
		t.unpin(n.ParentPageID(), false)
		t.unpin(n.PageID(), true)
		return err
	}

	if sibling.Size()+n.Size() < t.leafMaxSize {
		var left, right *leafNode
		var removeIdx int
		if siblingIsRight {
			left, right, removeIdx = n, sibling, index+1
		} else {
			left, right, removeIdx = sibling, n, index
		}
		right.MoveAllTo(left)
		parent.raw.WLatch()
		parent.Remove(removeIdx)
		parent.raw.WUnlatch()

		t.unpin(n.PageID(), true)
		t.unpin(siblingID, true)
		if err := t.bp.DeletePage(right.PageID()); err != nil {
			t.unpin(n.ParentPageID(), true)
			return err
		}
		return t.afterParentShrink(parent)
	}

	if siblingIsRight {
		sibling.MoveFirstToEndOf(n)
		t.unpin(n.ParentPageID(), false)
		t.unpin(n.PageID(), true)
		t.unpin(siblingID, true)
		return t.updateAncestorKey(siblingID, append(Key(nil), sibling.KeyAt(0)...))
	}
	sibling.MoveLastToFrontOf(n)
	newMin := append(Key(nil), n.KeyAt(0)...)
	t.unpin(n.ParentPageID(), false)
	t.unpin(n.PageID(), true)
	t.unpin(siblingID, true)
	return t.updateAncestorKey(n.PageID(), newMin)
}

// coalesceOrRedistributeInternal takes ownership of n's pin, mirroring
// coalesceOrRedistributeLeaf.
func (t *BPlusTree) coalesceOrRedistributeInternal(n *internalNode) error {
	if n.IsRoot() {
		if n.Size() == 1 {
			return t.adjustRootInternal(n)
		}
		t.unpin(n.PageID(), true)
		return nil
	}

	parent, err := t.fetchInternal(n.ParentPageID())
	if err != nil {
		t.unpin(n.PageID(), true)
		return err
	}
	index := parent.ValueIndex(n.PageID())

	var siblingID page.ID
	siblingIsRight := index == 0
	if siblingIsRight {
		siblingID = parent.ValueAt(index + 1)
	} else {
		siblingID = parent.ValueAt(index - 1)
	}
	sibling, err := t.fetchInternal(siblingID)
	if err != nil {
		t.unpin(n.ParentPageID(), false)
		t.unpin(n.PageID(), true)
		return err
	}

	if sibling.Size()+n.Size() < t.internalMaxSize {
		var left, right *internalNode
		var removeIdx int
		if siblingIsRight {
			left, right, removeIdx = n, sibling, index+1
		} else {
			left, right, removeIdx = sibling, n, index
		}
		right.MoveAllTo(left, nil)
		if err := t.reparentChildren(left); err != nil {
			t.unpin(n.ParentPageID(), false)
			t.unpin(n.PageID(), true)
			t.unpin(siblingID, true)
			return err
		}
		parent.raw.WLatch()
		parent.Remove(removeIdx)
		parent.raw.WUnlatch()

		t.unpin(n.PageID(), true)
		t.unpin(siblingID, true)
		if err := t.bp.DeletePage(right.PageID()); err != nil {
			t.unpin(n.ParentPageID(), true)
			return err
		}
		return t.afterParentShrink(parent)
	}

	if siblingIsRight {
		sibling.MoveFirstToEndOf(n)
		if err := t.reparentChildren(n); err != nil {
			t.unpin(n.ParentPageID(), false)
			t.unpin(n.PageID(), true)
			t.unpin(siblingID, true)
			return err
		}
		t.unpin(n.ParentPageID(), false)
		t.unpin(n.PageID(), true)
		t.unpin(siblingID, true)
		return t.updateAncestorKey(siblingID, append(Key(nil), sibling.KeyAt(0)...))
	}
	sibling.MoveLastToFrontOf(n)
	if err := t.reparentChildren(n); err != nil {
		t.unpin(n.ParentPageID(), false)
		t.unpin(n.PageID(), true)
		t.unpin(siblingID, true)
		return err
	}
	newMin := append(Key(nil), n.KeyAt(0)...)
	t.unpin(n.ParentPageID(), false)
	t.unpin(n.PageID(), true)
	t.unpin(siblingID, true)
	return t.updateAncestorKey(n.PageID(), newMin)
}

// afterParentShrink takes ownership of parent's pin (from the merge branch
// above) and decides whether parent itself now needs rebalancing.
func (t *BPlusTree) afterParentShrink(parent *internalNode) error {
	if parent.IsRoot() {
		if parent.Size() == 1 {
			return t.adjustRootInternal(parent)
		}
		t.unpin(parent.PageID(), true)
		return nil
	}
	if parent.Size() < parent.MinSize() {
		return t.coalesceOrRedistributeInternal(parent)
	}
	t.unpin(parent.PageID(), true)
	return nil
}
