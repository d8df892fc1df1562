package page

import (
	"encoding/binary"

	"coredb/common"
)

// SlottedPage is the physical layout backing table heap pages: a header,
// a slot array that grows from the start of the page, and tuple bytes that
// grow from the end of the page towards the slot array.
//
//	-----------------------------------------------------------------
//	| header (16) | slot_0 | slot_1 | ... | free space | ... tuples |
//	-----------------------------------------------------------------
//
// Header layout (big endian):
//
//	| PrevPageID (4) | NextPageID (4) | FreeSpacePointer (4) | SlotCount (4) |
//
// Each slot is 8 bytes: an offset into the page and a size. The slot's size
// field's top bit is a tombstone flag set by MarkDelete; ApplyDelete clears
// the slot entirely (offset=0, size=0), freeing it for InsertTuple to reuse.
type SlottedPage struct {
	RawPage
}

const (
	slottedHeaderSize = 16
	slotEntrySize     = 8
	tombstoneBit      = uint32(1) << 31
)

// SlotEntrySize is the per-tuple slot overhead InsertTuple additionally
// reserves when it cannot reuse an already-allocated, emptied slot. Callers
// that want to know up front whether a page can fit a tuple without reading
// it should budget for size+SlotEntrySize.
const SlotEntrySize = slotEntrySize

func InitSlottedPage(raw *RawPage) *SlottedPage {
	sp := &SlottedPage{RawPage: *raw}
	sp.SetPrevPageID(InvalidID)
	sp.SetNextPageID(InvalidID)
	sp.setFreeSpacePointer(uint32(Size))
	sp.setSlotCount(0)
	return sp
}

func CastSlottedPage(raw *RawPage) *SlottedPage {
	return &SlottedPage{RawPage: *raw}
}

func (sp *SlottedPage) PrevPageID() ID {
	return ID(int32(binary.BigEndian.Uint32(sp.Data[0:4])))
}

func (sp *SlottedPage) SetPrevPageID(id ID) {
	binary.BigEndian.PutUint32(sp.Data[0:4], uint32(int32(id)))
}

func (sp *SlottedPage) NextPageID() ID {
	return ID(int32(binary.BigEndian.Uint32(sp.Data[4:8])))
}

func (sp *SlottedPage) SetNextPageID(id ID) {
	binary.BigEndian.PutUint32(sp.Data[4:8], uint32(int32(id)))
}

func (sp *SlottedPage) freeSpacePointer() uint32 {
	return binary.BigEndian.Uint32(sp.Data[8:12])
}

func (sp *SlottedPage) setFreeSpacePointer(v uint32) {
	binary.BigEndian.PutUint32(sp.Data[8:12], v)
}

func (sp *SlottedPage) SlotCount() int {
	return int(binary.BigEndian.Uint32(sp.Data[12:16]))
}

func (sp *SlottedPage) setSlotCount(v uint32) {
	binary.BigEndian.PutUint32(sp.Data[12:16], v)
}

func (sp *SlottedPage) slotOffset(i int) int { return slottedHeaderSize + i*slotEntrySize }

func (sp *SlottedPage) getSlot(i int) (offset, size uint32, tombstoned bool) {
	off := sp.slotOffset(i)
	offset = binary.BigEndian.Uint32(sp.Data[off : off+4])
	raw := binary.BigEndian.Uint32(sp.Data[off+4 : off+8])
	return offset, raw &^ tombstoneBit, raw&tombstoneBit != 0
}

func (sp *SlottedPage) setSlot(i int, offset, size uint32, tombstoned bool) {
	off := sp.slotOffset(i)
	binary.BigEndian.PutUint32(sp.Data[off:off+4], offset)
	v := size
	if tombstoned {
		v |= tombstoneBit
	}
	binary.BigEndian.PutUint32(sp.Data[off+4:off+8], v)
}

// FreeSpace returns how many bytes are available for a new tuple plus its
// slot entry (slot reuse from a fully-applied delete is tried first by
// InsertTuple, so this is a conservative lower bound, not the exact
// available-for-append count when a free slot exists).
func (sp *SlottedPage) FreeSpace() int {
	used := slottedHeaderSize + sp.SlotCount()*slotEntrySize
	return int(sp.freeSpacePointer()) - used
}

// InsertTuple appends data as a new tuple, reusing the first empty slot if
// one exists from a prior ApplyDelete. Returns the slot number and false if
// there is not enough room.
func (sp *SlottedPage) InsertTuple(data []byte) (slotNum int, ok bool) {
	needed := len(data)
	reuse := -1
	for i := 0; i < sp.SlotCount(); i++ {
		_, size, tombstoned := sp.getSlot(i)
		if size == 0 && !tombstoned {
			reuse = i
			break
		}
	}

	extra := 0
	if reuse < 0 {
		extra = slotEntrySize
	}
	if sp.FreeSpace() < needed+extra {
		return 0, false
	}

	newFree := sp.freeSpacePointer() - uint32(needed)
	copy(sp.Data[newFree:], data)
	sp.setFreeSpacePointer(newFree)

	if reuse >= 0 {
		sp.setSlot(reuse, newFree, uint32(needed), false)
		return reuse, true
	}

	sp.setSlot(sp.SlotCount(), newFree, uint32(needed), false)
	sp.setSlotCount(uint32(sp.SlotCount() + 1))
	return sp.SlotCount() - 1, true
}

// GetTuple returns slotNum's bytes. ok is false if the slot was never used or
// has been fully applied-deleted. tombstoned reports a MarkDelete that has
// not yet been applied or rolled back.
func (sp *SlottedPage) GetTuple(slotNum int) (data []byte, tombstoned bool, ok bool) {
	if slotNum < 0 || slotNum >= sp.SlotCount() {
		return nil, false, false
	}
	offset, size, tomb := sp.getSlot(slotNum)
	if size == 0 {
		return nil, false, false
	}
	return sp.Data[offset : offset+size], tomb, true
}

// MarkDelete flags a tuple as logically deleted without reclaiming its
// space, so a concurrent reader that already fetched the row, or a
// transaction that rolls back, can still see/restore it.
func (sp *SlottedPage) MarkDelete(slotNum int) {
	offset, size, tombstoned := sp.getSlot(slotNum)
	common.Assert(size != 0, "mark-deleting an empty slot")
	common.Assert(!tombstoned, "mark-deleting an already deleted tuple")
	sp.setSlot(slotNum, offset, size, true)
}

// RollbackDelete undoes a MarkDelete that was not yet applied.
func (sp *SlottedPage) RollbackDelete(slotNum int) {
	offset, size, tombstoned := sp.getSlot(slotNum)
	common.Assert(tombstoned, "rolling back delete on a tuple that was not marked deleted")
	sp.setSlot(slotNum, offset, size, false)
}

// ApplyDelete permanently reclaims a marked-deleted tuple's slot. It
// compacts the tuple data region by sliding every tuple stored closer to the
// free space pointer than the deleted one up over the gap, so the reclaimed
// bytes become real free space rather than a hole InsertTuple can never use.
func (sp *SlottedPage) ApplyDelete(slotNum int) {
	offset, size, _ := sp.getSlot(slotNum)
	if size == 0 {
		return
	}

	fsp := sp.freeSpacePointer()
	copy(sp.Data[fsp+size:offset+size], sp.Data[fsp:offset])
	sp.setFreeSpacePointer(fsp + size)
	sp.setSlot(slotNum, 0, 0, false)

	for i := 0; i < sp.SlotCount(); i++ {
		o, s, tombstoned := sp.getSlot(i)
		if s == 0 {
			continue
		}
		if o < offset {
			sp.setSlot(i, o+size, s, tombstoned)
		}
	}
}

// LiveTupleCount counts slots holding a tuple, tombstoned or not.
func (sp *SlottedPage) LiveTupleCount() int {
	n := 0
	for i := 0; i < sp.SlotCount(); i++ {
		_, size, _ := sp.getSlot(i)
		if size != 0 {
			n++
		}
	}
	return n
}

// UpdateTupleInPlace overwrites slotNum's bytes with data when data fits in
// the tuple's current reserved space; returns false when the caller must
// instead delete-and-reinsert (the tuple grew).
func (sp *SlottedPage) UpdateTupleInPlace(slotNum int, data []byte) bool {
	offset, size, tombstoned := sp.getSlot(slotNum)
	common.Assert(!tombstoned, "updating a deleted tuple")
	if uint32(len(data)) > size {
		return false
	}
	copy(sp.Data[offset:offset+size], data)
	sp.setSlot(slotNum, offset, uint32(len(data)), false)
	return true
}
