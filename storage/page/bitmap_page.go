package page

import (
	"encoding/binary"

	"coredb/common"
)

// BitmapPage tracks the free/used status of every page inside one extent.
// Layout (big endian):
//
//	| pageAllocated (4) | nextFreePage (4) | bitmap bytes ... |
//
// BitmapSize is the number of page slots a single bitmap page can track:
// the remaining (Size-8) bytes, each bit one slot.
const BitmapSize = (Size - 8) * 8

type BitmapPage struct {
	RawPage
}

func InitBitmapPage(raw *RawPage) *BitmapPage {
	bp := &BitmapPage{RawPage: *raw}
	bp.setPageAllocated(0)
	bp.setNextFreePage(0)
	return bp
}

func CastBitmapPage(raw *RawPage) *BitmapPage {
	return &BitmapPage{RawPage: *raw}
}

func (b *BitmapPage) pageAllocated() uint32 {
	return binary.BigEndian.Uint32(b.Data[0:4])
}

func (b *BitmapPage) setPageAllocated(v uint32) {
	binary.BigEndian.PutUint32(b.Data[0:4], v)
}

func (b *BitmapPage) nextFreePage() uint32 {
	return binary.BigEndian.Uint32(b.Data[4:8])
}

func (b *BitmapPage) setNextFreePage(v uint32) {
	binary.BigEndian.PutUint32(b.Data[4:8], v)
}

func (b *BitmapPage) bytes() []byte {
	return b.Data[8:]
}

// AllocatePage finds and marks the next free offset within the extent,
// returning it. ok is false when the extent is full.
func (b *BitmapPage) AllocatePage() (offset uint32, ok bool) {
	next := b.nextFreePage()
	if next >= BitmapSize {
		return 0, false
	}

	byteIdx, bitIdx := next/8, next%8
	common.Assert(b.isFreeLow(byteIdx, bitIdx), "page is not free")
	b.bytes()[byteIdx] |= 1 << bitIdx
	offset = next

	allocated := b.pageAllocated() + 1
	b.setPageAllocated(allocated)
	if allocated == BitmapSize {
		b.setNextFreePage(BitmapSize)
		return offset, true
	}

	// round-robin scan for the next free slot, starting just after the one we took
	cursor := next
	for {
		cursor = (cursor + 1) % BitmapSize
		if b.IsPageFree(cursor) {
			break
		}
		if cursor == offset {
			cursor = BitmapSize
			break
		}
	}
	b.setNextFreePage(cursor)
	return offset, true
}

// DeAllocatePage clears offset's bit. ok is false if it was already free.
func (b *BitmapPage) DeAllocatePage(offset uint32) bool {
	common.Assert(offset < BitmapSize, "page offset out of range")
	if b.IsPageFree(offset) {
		return false
	}

	byteIdx, bitIdx := offset/8, offset%8
	b.bytes()[byteIdx] &^= 1 << bitIdx

	if offset < b.nextFreePage() {
		b.setNextFreePage(offset)
	}
	b.setPageAllocated(b.pageAllocated() - 1)
	return true
}

func (b *BitmapPage) IsPageFree(offset uint32) bool {
	if offset >= BitmapSize {
		return false
	}
	return b.isFreeLow(offset/8, offset%8)
}

func (b *BitmapPage) isFreeLow(byteIdx, bitIdx uint32) bool {
	return b.bytes()[byteIdx]&(1<<bitIdx) == 0
}
