// Package btree implements a disk-resident B+tree index over fixed-width
// byte-string keys, with the non-standard "separator = subtree minimum"
// convention: internal node entry i's key is the minimum key reachable
// through child i (including i==0), rather than the usual "key i separates
// children i-1 and i" convention that leaves key 0 unused.
package btree

import (
	"bytes"
	"encoding/binary"

	"coredb/storage/page"
)

// Key is a fixed-width, lexicographically comparable byte string — the
// serialized bytes of an index's key columns (see storage/schema.Row).
type Key []byte

func (k Key) Less(other Key) bool { return bytes.Compare(k, other) < 0 }
func (k Key) Equal(other Key) bool { return bytes.Equal(k, other) }

const (
	nodeTypeInternal byte = 0
	nodeTypeLeaf     byte = 1

	// common header: nodeType(1) + size(4) + maxSize(4) + parentPageID(4)
	commonHeaderSize = 13
	leafHeaderSize   = commonHeaderSize + 4 // + nextPageID
)

// node is the shared byte-layout accessor both leafNode and internalNode
// embed. It never owns its bytes: it is always a view over a buffer-pool
// page's RawPage.Data for the lifetime of that page's pin.
type node struct {
	raw     *page.RawPage
	keySize int
}

func (n *node) IsLeaf() bool { return n.raw.Data[0] == nodeTypeLeaf }

func (n *node) PageID() page.ID { return n.raw.GetPageID() }

func (n *node) Size() int { return int(int32(binary.BigEndian.Uint32(n.raw.Data[1:5]))) }

func (n *node) setSize(v int) { binary.BigEndian.PutUint32(n.raw.Data[1:5], uint32(int32(v))) }

func (n *node) MaxSize() int { return int(int32(binary.BigEndian.Uint32(n.raw.Data[5:9]))) }

func (n *node) setMaxSize(v int) { binary.BigEndian.PutUint32(n.raw.Data[5:9], uint32(int32(v))) }

func (n *node) MinSize() int { return n.MaxSize() / 2 }

func (n *node) ParentPageID() page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(n.raw.Data[9:13])))
}

func (n *node) SetParentPageID(id page.ID) {
	binary.BigEndian.PutUint32(n.raw.Data[9:13], uint32(int32(id)))
}

func (n *node) IsRoot() bool { return n.ParentPageID() == page.InvalidID }

// --- leaf node ---

const leafValueSize = 8 // a packed schema.RowID

type leafNode struct{ node }

func initLeaf(raw *page.RawPage, keySize, maxSize int, parent page.ID) *leafNode {
	raw.Data[0] = nodeTypeLeaf
	l := &leafNode{node{raw: raw, keySize: keySize}}
	l.setSize(0)
	l.setMaxSize(maxSize)
	l.SetParentPageID(parent)
	l.SetNextPageID(page.InvalidID)
	return l
}

func castLeaf(raw *page.RawPage, keySize int) *leafNode {
	return &leafNode{node{raw: raw, keySize: keySize}}
}

func (l *leafNode) NextPageID() page.ID {
	return page.ID(int32(binary.BigEndian.Uint32(l.raw.Data[13:17])))
}

func (l *leafNode) SetNextPageID(id page.ID) {
	binary.BigEndian.PutUint32(l.raw.Data[13:17], uint32(int32(id)))
}

func (l *leafNode) entrySize() int { return l.keySize + leafValueSize }

func (l *leafNode) entryOffset(i int) int { return leafHeaderSize + i*l.entrySize() }

func (l *leafNode) KeyAt(i int) Key {
	off := l.entryOffset(i)
	return Key(l.raw.Data[off : off+l.keySize])
}

func (l *leafNode) ValueAt(i int) uint64 {
	off := l.entryOffset(i) + l.keySize
	return binary.BigEndian.Uint64(l.raw.Data[off : off+8])
}

func (l *leafNode) setAt(i int, k Key, v uint64) {
	off := l.entryOffset(i)
	copy(l.raw.Data[off:off+l.keySize], k)
	binary.BigEndian.PutUint64(l.raw.Data[off+l.keySize:off+l.keySize+8], v)
}

// KeyIndex returns the index of the first entry whose key is >= key.
func (l *leafNode) KeyIndex(key Key) int {
	lo, hi := 0, l.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if l.KeyAt(mid).Less(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (l *leafNode) Lookup(key Key) (uint64, bool) {
	idx := l.KeyIndex(key)
	if idx < l.Size() && l.KeyAt(idx).Equal(key) {
		return l.ValueAt(idx), true
	}
	return 0, false
}

// Insert inserts key/value in sorted order. Caller must already know key is
// absent.
func (l *leafNode) Insert(key Key, value uint64) {
	idx := l.KeyIndex(key)
	for i := l.Size(); i > idx; i-- {
		k, v := l.KeyAt(i - 1), l.ValueAt(i - 1)
		l.setAt(i, k, v)
	}
	l.setAt(idx, key, value)
	l.setSize(l.Size() + 1)
}

func (l *leafNode) RemoveAt(idx int) {
	for i := idx; i < l.Size()-1; i++ {
		l.setAt(i, l.KeyAt(i+1), l.ValueAt(i+1))
	}
	l.setSize(l.Size() - 1)
}

// MoveHalfTo moves this node's second half of entries to dest (a fresh,
// empty leaf), used when splitting a full leaf.
func (l *leafNode) MoveHalfTo(dest *leafNode) {
	mid := l.Size() / 2
	for i := mid; i < l.Size(); i++ {
		dest.setAt(i-mid, l.KeyAt(i), l.ValueAt(i))
	}
	dest.setSize(l.Size() - mid)
	l.setSize(mid)
}

// MoveAllTo appends this node's entries onto dest, used by Coalesce.
func (l *leafNode) MoveAllTo(dest *leafNode) {
	base := dest.Size()
	for i := 0; i < l.Size(); i++ {
		dest.setAt(base+i, l.KeyAt(i), l.ValueAt(i))
	}
	dest.setSize(base + l.Size())
	dest.SetNextPageID(l.NextPageID())
	l.setSize(0)
}

func (l *leafNode) MoveFirstToEndOf(dest *leafNode) {
	k, v := append(Key(nil), l.KeyAt(0)...), l.ValueAt(0)
	l.RemoveAt(0)
	dest.setAt(dest.Size(), k, v)
	dest.setSize(dest.Size() + 1)
}

func (l *leafNode) MoveLastToFrontOf(dest *leafNode) {
	last := l.Size() - 1
	k, v := l.KeyAt(last), l.ValueAt(last)
	l.setSize(last)
	for i := dest.Size(); i > 0; i-- {
		dest.setAt(i, dest.KeyAt(i-1), dest.ValueAt(i-1))
	}
	dest.setAt(0, k, v)
	dest.setSize(dest.Size() + 1)
}

// --- internal node ---

type internalNode struct{ node }

func initInternal(raw *page.RawPage, keySize, maxSize int, parent page.ID) *internalNode {
	raw.Data[0] = nodeTypeInternal
	n := &internalNode{node{raw: raw, keySize: keySize}}
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.SetParentPageID(parent)
	return n
}

func castInternal(raw *page.RawPage, keySize int) *internalNode {
	return &internalNode{node{raw: raw, keySize: keySize}}
}

func (n *internalNode) entrySize() int { return n.keySize + 4 }

func (n *internalNode) entryOffset(i int) int { return commonHeaderSize + i*n.entrySize() }

func (n *internalNode) KeyAt(i int) Key {
	off := n.entryOffset(i)
	return Key(n.raw.Data[off : off+n.keySize])
}

func (n *internalNode) ValueAt(i int) page.ID {
	off := n.entryOffset(i) + n.keySize
	return page.ID(int32(binary.BigEndian.Uint32(n.raw.Data[off : off+4])))
}

func (n *internalNode) setAt(i int, k Key, v page.ID) {
	off := n.entryOffset(i)
	copy(n.raw.Data[off:off+n.keySize], k)
	binary.BigEndian.PutUint32(n.raw.Data[off+n.keySize:off+n.keySize+4], uint32(int32(v)))
}

func (n *internalNode) SetKeyAt(i int, k Key) {
	off := n.entryOffset(i)
	copy(n.raw.Data[off:off+n.keySize], k)
}

// ValueIndex returns the index whose child pointer equals childID.
func (n *internalNode) ValueIndex(childID page.ID) int {
	for i := 0; i < n.Size(); i++ {
		if n.ValueAt(i) == childID {
			return i
		}
	}
	return -1
}

// Lookup returns the child page id to descend into for key: the value at
// the last index whose key is <= key.
func (n *internalNode) Lookup(key Key) page.ID {
	lo, hi := 1, n.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.KeyAt(mid).Less(key) || n.KeyAt(mid).Equal(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return n.ValueAt(lo - 1)
}

// PopulateNewRoot sets up a freshly created root with exactly two children.
func (n *internalNode) PopulateNewRoot(leftKey Key, left page.ID, rightKey Key, right page.ID) {
	n.setAt(0, leftKey, left)
	n.setAt(1, rightKey, right)
	n.setSize(2)
}

// InsertNodeAfter inserts (key,childID) right after the entry for afterChild.
func (n *internalNode) InsertNodeAfter(afterChild page.ID, key Key, childID page.ID) {
	idx := n.ValueIndex(afterChild) + 1
	for i := n.Size(); i > idx; i-- {
		n.setAt(i, n.KeyAt(i-1), n.ValueAt(i-1))
	}
	n.setAt(idx, key, childID)
	n.setSize(n.Size() + 1)
}

func (n *internalNode) Remove(idx int) {
	for i := idx; i < n.Size()-1; i++ {
		n.setAt(i, n.KeyAt(i+1), n.ValueAt(i+1))
	}
	n.setSize(n.Size() - 1)
}

// RemoveAndReturnOnlyChild is used by AdjustRoot when the root has shrunk to
// a single child: that child is promoted to be the new root.
func (n *internalNode) RemoveAndReturnOnlyChild() page.ID {
	child := n.ValueAt(0)
	n.setSize(0)
	return child
}

func (n *internalNode) MoveHalfTo(dest *internalNode) {
	mid := n.Size() / 2
	for i := mid; i < n.Size(); i++ {
		dest.setAt(i-mid, n.KeyAt(i), n.ValueAt(i))
	}
	dest.setSize(n.Size() - mid)
	n.setSize(mid)
}

// MoveAllTo appends this node's entries onto dest. middleKey is unused under
// the separator-as-minimum convention (every entry already carries its own
// real minimum key, there is no implicit "missing" key 0 to fill in), kept
// as a parameter to mirror the algorithm's shape from the original source.
func (n *internalNode) MoveAllTo(dest *internalNode, _ Key) {
	base := dest.Size()
	for i := 0; i < n.Size(); i++ {
		dest.setAt(base+i, n.KeyAt(i), n.ValueAt(i))
	}
	dest.setSize(base + n.Size())
	n.setSize(0)
}

func (n *internalNode) MoveFirstToEndOf(dest *internalNode) {
	k, v := append(Key(nil), n.KeyAt(0)...), n.ValueAt(0)
	n.Remove(0)
	dest.setAt(dest.Size(), k, v)
	dest.setSize(dest.Size() + 1)
}

func (n *internalNode) MoveLastToFrontOf(dest *internalNode) {
	last := n.Size() - 1
	k, v := n.KeyAt(last), n.ValueAt(last)
	n.setSize(last)
	for i := dest.Size(); i > 0; i-- {
		dest.setAt(i, dest.KeyAt(i-1), dest.ValueAt(i-1))
	}
	dest.setAt(0, k, v)
	dest.setSize(dest.Size() + 1)
}
