package btree

import "coredb/storage/page"

// Iterator walks a B+tree's leaves in key order. It holds at most one leaf
// page pinned at a time, released as soon as the iterator moves past it or
// is abandoned.
type Iterator struct {
	tree    *BPlusTree
	leaf    *leafNode
	idx     int
	done    bool
}

// Begin returns an iterator positioned at the tree's smallest key.
func Begin(t *BPlusTree) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return &Iterator{done: true}, nil
	}
	leaf, err := t.findLeaf(nil, true)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, leaf: leaf, idx: 0}
	it.skipEmptyLeaves()
	return it, nil
}

// Seek returns an iterator positioned at the first key >= key.
func Seek(t *BPlusTree, key Key) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return &Iterator{done: true}, nil
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, leaf: leaf, idx: leaf.KeyIndex(key)}
	it.skipEmptyLeaves()
	return it, nil
}

func (it *Iterator) skipEmptyLeaves() {
	for !it.done && it.idx >= it.leaf.Size() {
		next := it.leaf.NextPageID()
		it.tree.unpin(it.leaf.PageID(), false)
		if next == page.InvalidID {
			it.leaf = nil
			it.done = true
			return
		}
		raw, err := it.tree.bp.FetchPage(next)
		if err != nil {
			it.leaf = nil
			it.done = true
			return
		}
		it.leaf = castLeaf(raw, it.tree.keySize)
		it.idx = 0
	}
}

func (it *Iterator) Valid() bool { return !it.done }

func (it *Iterator) Key() Key { return append(Key(nil), it.leaf.KeyAt(it.idx)...) }

func (it *Iterator) Value() uint64 { return it.leaf.ValueAt(it.idx) }

// Next advances the iterator. Calling it once Valid() is false is a no-op.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.idx++
	it.tree.mu.RLock()
	it.skipEmptyLeaves()
	it.tree.mu.RUnlock()
}

// Close releases any pinned page the iterator is still holding. Callers that
// drive an iterator to exhaustion never need to call this; it exists for
// early-abandoned iterators.
func (it *Iterator) Close() {
	if it.leaf != nil && !it.done {
		it.tree.unpin(it.leaf.PageID(), false)
		it.leaf = nil
		it.done = true
	}
}
