package btree

import (
	"encoding/binary"

	"coredb/storage/page"
)

// IndexRootsPage is a single well-known page recording every index's current
// root page id, keyed by index id, so a reopened database can find each
// B+tree's root without walking the catalog first.
type IndexRootsPage struct {
	page.RawPage
}

const (
	rootsHeaderSize = 4 // entry count
	rootsEntrySize  = 8 // indexID(4) + rootPageID(4)
)

func InitIndexRootsPage(raw *page.RawPage) *IndexRootsPage {
	rp := &IndexRootsPage{RawPage: *raw}
	rp.setCount(0)
	return rp
}

func CastIndexRootsPage(raw *page.RawPage) *IndexRootsPage {
	return &IndexRootsPage{RawPage: *raw}
}

func (rp *IndexRootsPage) count() int {
	return int(binary.BigEndian.Uint32(rp.Data[0:4]))
}

func (rp *IndexRootsPage) setCount(n int) {
	binary.BigEndian.PutUint32(rp.Data[0:4], uint32(n))
}

func (rp *IndexRootsPage) entryOffset(i int) int { return rootsHeaderSize + i*rootsEntrySize }

func (rp *IndexRootsPage) indexIDAt(i int) int32 {
	off := rp.entryOffset(i)
	return int32(binary.BigEndian.Uint32(rp.Data[off : off+4]))
}

func (rp *IndexRootsPage) rootAt(i int) page.ID {
	off := rp.entryOffset(i)
	return page.ID(int32(binary.BigEndian.Uint32(rp.Data[off+4 : off+8])))
}

func (rp *IndexRootsPage) setAt(i int, indexID int32, root page.ID) {
	off := rp.entryOffset(i)
	binary.BigEndian.PutUint32(rp.Data[off:off+4], uint32(indexID))
	binary.BigEndian.PutUint32(rp.Data[off+4:off+8], uint32(int32(root)))
}

// Get returns indexID's currently recorded root page, if any.
func (rp *IndexRootsPage) Get(indexID int32) (page.ID, bool) {
	for i := 0; i < rp.count(); i++ {
		if rp.indexIDAt(i) == indexID {
			return rp.rootAt(i), true
		}
	}
	return page.InvalidID, false
}

// Set records indexID's root page, inserting a new entry or overwriting the
// existing one.
func (rp *IndexRootsPage) Set(indexID int32, root page.ID) {
	for i := 0; i < rp.count(); i++ {
		if rp.indexIDAt(i) == indexID {
			rp.setAt(i, indexID, root)
			return
		}
	}
	rp.setAt(rp.count(), indexID, root)
	rp.setCount(rp.count() + 1)
}
