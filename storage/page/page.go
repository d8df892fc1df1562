// Package page provides typed views over a fixed-size byte slice (a page).
// A page never holds a pointer to another page; pages only ever refer to each
// other by PageID, and the buffer pool is the sole owner of the backing byte
// slices.
package page

import "sync"

// Size is the fixed physical page size used throughout the storage engine.
const Size = 4096

// ID identifies a logical page within a database file. InvalidID marks the
// absence of a page (end of a list, empty root, etc).
type ID int32

const InvalidID ID = -1

// LSN is a monotonically increasing log sequence number. ZeroLSN means a page
// has never participated in a logged operation.
type LSN uint64

const ZeroLSN LSN = 0

// IPage is the interface the buffer pool manipulates: a pinnable, latchable,
// dirty-trackable view over Size bytes. Concrete page types (SlottedPage,
// BitmapPage, btree node views, ...) embed *RawPage and add typed accessors
// over the same backing array.
type IPage interface {
	GetData() []byte
	GetPageID() ID
	GetPinCount() int32
	IsDirty() bool
	SetDirty()
	SetClean()
	WLatch()
	WUnlatch()
	RLatch()
	RUnlatch()
	IncrPinCount() int32
	DecrPinCount() int32
	GetPageLSN() LSN
	SetPageLSN(LSN)
}

// RawPage is the buffer-pool-facing representation of a page frame's content.
// All typed page views (SlottedPage, BitmapPage, ...) embed RawPage and read
// or write through its Data slice at fixed byte offsets.
type RawPage struct {
	pageID   ID
	isDirty  bool
	pinCount int32
	// PageLSN is kept for forward compatibility with a physical redo-log model;
	// this engine's recovery log is logical, so BufferPool's flush path never
	// blocks on it. SetPageLSN is its only writer and no component of this
	// engine calls it, so it stays ZeroLSN.
	PageLSN LSN
	Data    []byte
	latch   sync.RWMutex
}

var _ IPage = &RawPage{}

func NewRawPage(id ID) *RawPage {
	return &RawPage{
		pageID: id,
		Data:   make([]byte, Size),
	}
}

func (p *RawPage) GetData() []byte   { return p.Data }
func (p *RawPage) GetPageID() ID     { return p.pageID }
func (p *RawPage) GetPinCount() int32 {
	return p.pinCount
}
func (p *RawPage) IsDirty() bool { return p.isDirty }
func (p *RawPage) SetDirty()     { p.isDirty = true }
func (p *RawPage) SetClean()     { p.isDirty = false }

func (p *RawPage) WLatch()   { p.latch.Lock() }
func (p *RawPage) WUnlatch() { p.latch.Unlock() }
func (p *RawPage) RLatch()   { p.latch.RLock() }
func (p *RawPage) RUnlatch() { p.latch.RUnlock() }

func (p *RawPage) IncrPinCount() int32 {
	p.pinCount++
	return p.pinCount
}

func (p *RawPage) DecrPinCount() int32 {
	p.pinCount--
	return p.pinCount
}

func (p *RawPage) GetPageLSN() LSN     { return p.PageLSN }
func (p *RawPage) SetPageLSN(lsn LSN)  { p.PageLSN = lsn }

// ResetPageID rebinds this frame to a different logical page, e.g. when the
// buffer pool recycles an evicted frame for a newly fetched page.
func (p *RawPage) ResetPageID(id ID) {
	p.pageID = id
}
