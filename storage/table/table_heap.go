// Package table implements the row-oriented heap storage every SQL table is
// built on: a doubly linked list of page.SlottedPage pages, each holding as
// many fixed-format rows as fit, plus forward iteration over every live row.
package table

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"coredb/storage/buffer"
	"coredb/storage/page"
	"coredb/storage/schema"
)

// ErrTupleTooLarge is returned when a row's serialized size does not fit in
// a single page, so it can never be inserted no matter how the heap grows.
var ErrTupleTooLarge = errors.New("table: tuple too large to fit in a page")

// ErrTupleNotFound is returned by GetTuple/MarkDelete/... when rid's slot has
// been fully deleted or never existed.
var ErrTupleNotFound = errors.New("table: tuple not found")

// Heap is an unordered collection of rows belonging to one table. It never
// reshuffles existing RowIDs: once assigned, a row keeps its RowID until it
// is deleted, which is what lets a B+tree index reference rows by RowID.
//
// It keeps a page.ID -> free-byte-count cache, freeSpace, so InsertTuple can
// find a page with room for a new row without re-fetching every page in the
// heap. pageOrder holds the same keys in heap order (oldest page first), so
// InsertTuple reuses space freed by earlier deletes before growing the heap.
type Heap struct {
	bp     buffer.Pool
	schema *schema.Schema

	mu             sync.Mutex
	firstPageID    page.ID
	lastPageID     page.ID
	pageOrder      []page.ID
	freeSpace      map[page.ID]int
	freeSpaceReady bool
}

// NewHeap creates a brand new, empty heap (one initial page) for schema.
func NewHeap(bp buffer.Pool, s *schema.Schema) (*Heap, error) {
	raw, err := bp.NewPage()
	if err != nil {
		return nil, fmt.Errorf("table: allocating first heap page: %w", err)
	}
	sp := page.InitSlottedPage(raw)
	id := sp.GetPageID()
	free := sp.FreeSpace()
	if err := bp.UnpinPage(id, true); err != nil {
		return nil, err
	}
	return &Heap{
		bp:             bp,
		schema:         s,
		firstPageID:    id,
		lastPageID:     id,
		pageOrder:      []page.ID{id},
		freeSpace:      map[page.ID]int{id: free},
		freeSpaceReady: true,
	}, nil
}

// OpenHeap reopens a heap whose first/last page ids were persisted by the
// catalog. The free-space cache is populated lazily, on first use, by
// walking the page chain once.
func OpenHeap(bp buffer.Pool, s *schema.Schema, firstPageID, lastPageID page.ID) *Heap {
	return &Heap{bp: bp, schema: s, firstPageID: firstPageID, lastPageID: lastPageID}
}

// ensureFreeSpaceLoaded walks the page chain once to seed pageOrder/freeSpace
// for a heap reopened via OpenHeap, which only persists the first and last
// page ids, not the per-page free-space cache.
func (h *Heap) ensureFreeSpaceLoaded() error {
	h.mu.Lock()
	if h.freeSpaceReady {
		h.mu.Unlock()
		return nil
	}
	first := h.firstPageID
	h.mu.Unlock()

	var order []page.ID
	space := make(map[page.ID]int)
	for id := first; id != page.InvalidID; {
		raw, err := h.bp.FetchPage(id)
		if err != nil {
			return fmt.Errorf("table: loading free space for page %d: %w", id, err)
		}
		sp := page.CastSlottedPage(raw)
		sp.RLatch()
		free := sp.FreeSpace()
		next := sp.NextPageID()
		sp.RUnlatch()
		_ = h.bp.UnpinPage(id, false)

		order = append(order, id)
		space[id] = free
		id = next
	}

	h.mu.Lock()
	if !h.freeSpaceReady {
		h.pageOrder = order
		h.freeSpace = space
		h.freeSpaceReady = true
	}
	h.mu.Unlock()
	return nil
}

// removeFromCacheLocked drops id from the free-space cache. Callers must
// hold h.mu.
func (h *Heap) removeFromCacheLocked(id page.ID) {
	delete(h.freeSpace, id)
	for i, pid := range h.pageOrder {
		if pid == id {
			h.pageOrder = append(h.pageOrder[:i], h.pageOrder[i+1:]...)
			break
		}
	}
}

func (h *Heap) FirstPageID() page.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstPageID
}

func (h *Heap) LastPageID() page.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPageID
}

// InsertTuple serializes row and appends it to the heap, assigning it a
// fresh RowID and writing that RowID back into row. It reuses space freed by
// earlier deletes before growing the heap: it scans the free-space cache for
// the first page (in heap order) with enough room, and only allocates a new
// page when none qualifies.
func (h *Heap) InsertTuple(row *schema.Row) (schema.RowID, error) {
	size := row.GetSerializedSize(h.schema)
	if size >= page.Size {
		return schema.InvalidRowID, ErrTupleTooLarge
	}

	data := make([]byte, size)
	row.SerializeTo(data, h.schema)

	if err := h.ensureFreeSpaceLoaded(); err != nil {
		return schema.InvalidRowID, err
	}

	needed := size + page.SlotEntrySize

	h.mu.Lock()
	target := page.InvalidID
	for _, id := range h.pageOrder {
		if h.freeSpace[id] >= needed {
			target = id
			break
		}
	}
	lastID := h.lastPageID
	h.mu.Unlock()

	if target != page.InvalidID {
		raw, err := h.bp.FetchPage(target)
		if err != nil {
			return schema.InvalidRowID, fmt.Errorf("table: fetching heap page %d: %w", target, err)
		}
		sp := page.CastSlottedPage(raw)
		sp.WLatch()
		slotNum, ok := sp.InsertTuple(data)
		if ok {
			rid := schema.RowID{PageID: sp.GetPageID(), SlotNum: int32(slotNum)}
			patchRowID(sp, slotNum, rid)
			free := sp.FreeSpace()
			sp.WUnlatch()
			_ = h.bp.UnpinPage(target, true)

			h.mu.Lock()
			h.freeSpace[target] = free
			h.mu.Unlock()

			row.RID = rid
			return rid, nil
		}
		// the cached estimate was stale; refresh it and fall through to the
		// new-page path below like a cache miss would.
		free := sp.FreeSpace()
		sp.WUnlatch()
		_ = h.bp.UnpinPage(target, false)

		h.mu.Lock()
		h.freeSpace[target] = free
		h.mu.Unlock()
	}

	// no existing page has room: allocate a new one and link it in.
	newRaw, err := h.bp.NewPage()
	if err != nil {
		return schema.InvalidRowID, fmt.Errorf("table: allocating new heap page: %w", err)
	}
	newSP := page.InitSlottedPage(newRaw)
	newSP.SetPrevPageID(lastID)

	slotNum, ok := newSP.InsertTuple(data)
	if !ok {
		_ = h.bp.UnpinPage(newSP.GetPageID(), false)
		return schema.InvalidRowID, ErrTupleTooLarge
	}
	rid := schema.RowID{PageID: newSP.GetPageID(), SlotNum: int32(slotNum)}
	patchRowID(newSP, slotNum, rid)
	newFree := newSP.FreeSpace()
	_ = h.bp.UnpinPage(newSP.GetPageID(), true)

	prevRaw, err := h.bp.FetchPage(lastID)
	if err == nil {
		prevSP := page.CastSlottedPage(prevRaw)
		prevSP.WLatch()
		prevSP.SetNextPageID(newSP.GetPageID())
		prevSP.WUnlatch()
		_ = h.bp.UnpinPage(lastID, true)
	}

	h.mu.Lock()
	h.lastPageID = newSP.GetPageID()
	h.pageOrder = append(h.pageOrder, newSP.GetPageID())
	h.freeSpace[newSP.GetPageID()] = newFree
	h.mu.Unlock()

	row.RID = rid
	return rid, nil
}

// patchRowID overwrites the RowID prefix already written by SerializeTo (it
// is zero-valued before the insert because the slot number isn't known
// until InsertTuple returns) with the real location, in place.
func patchRowID(sp *page.SlottedPage, slotNum int, rid schema.RowID) {
	data, _, ok := sp.GetTuple(slotNum)
	if !ok {
		return
	}
	binary.BigEndian.PutUint32(data[0:4], uint32(int32(rid.PageID)))
	binary.BigEndian.PutUint32(data[4:8], uint32(rid.SlotNum))
}

func (h *Heap) GetTuple(rid schema.RowID) (*schema.Row, error) {
	raw, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return nil, fmt.Errorf("table: fetching page %d: %w", rid.PageID, err)
	}
	sp := page.CastSlottedPage(raw)
	sp.RLatch()
	data, tombstoned, ok := sp.GetTuple(int(rid.SlotNum))
	if !ok || tombstoned {
		sp.RUnlatch()
		_ = h.bp.UnpinPage(rid.PageID, false)
		return nil, ErrTupleNotFound
	}
	row, _ := schema.DeserializeRow(data, h.schema)
	sp.RUnlatch()
	_ = h.bp.UnpinPage(rid.PageID, false)
	return row, nil
}

// UpdateTuple overwrites rid's row with row's contents. If the new
// serialization no longer fits the slot's reserved space, it falls back to
// a delete-then-insert, which may move the row to a different page (and a
// different RowID) — the caller must re-index on that RowID change.
func (h *Heap) UpdateTuple(rid schema.RowID, row *schema.Row) (schema.RowID, error) {
	size := row.GetSerializedSize(h.schema)
	if size >= page.Size {
		return schema.InvalidRowID, ErrTupleTooLarge
	}
	data := make([]byte, size)
	row.RID = rid
	row.SerializeTo(data, h.schema)

	if err := h.ensureFreeSpaceLoaded(); err != nil {
		return schema.InvalidRowID, err
	}

	raw, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return schema.InvalidRowID, fmt.Errorf("table: fetching page %d: %w", rid.PageID, err)
	}
	sp := page.CastSlottedPage(raw)
	sp.WLatch()
	if sp.UpdateTupleInPlace(int(rid.SlotNum), data) {
		free := sp.FreeSpace()
		sp.WUnlatch()
		_ = h.bp.UnpinPage(rid.PageID, true)

		h.mu.Lock()
		h.freeSpace[rid.PageID] = free
		h.mu.Unlock()

		return rid, nil
	}
	sp.WUnlatch()
	_ = h.bp.UnpinPage(rid.PageID, false)

	if err := h.deleteTuple(rid); err != nil {
		return schema.InvalidRowID, err
	}
	row.RID = schema.InvalidRowID
	return h.InsertTuple(row)
}

// MarkDelete flags rid's tuple as deleted without reclaiming space, so a
// transaction that aborts can RollbackDelete it.
func (h *Heap) MarkDelete(rid schema.RowID) error {
	raw, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return fmt.Errorf("table: fetching page %d: %w", rid.PageID, err)
	}
	sp := page.CastSlottedPage(raw)
	sp.WLatch()
	_, _, ok := sp.GetTuple(int(rid.SlotNum))
	if !ok {
		sp.WUnlatch()
		_ = h.bp.UnpinPage(rid.PageID, false)
		return ErrTupleNotFound
	}
	sp.MarkDelete(int(rid.SlotNum))
	sp.WUnlatch()
	return h.bp.UnpinPage(rid.PageID, true)
}

func (h *Heap) RollbackDelete(rid schema.RowID) error {
	raw, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return fmt.Errorf("table: fetching page %d: %w", rid.PageID, err)
	}
	sp := page.CastSlottedPage(raw)
	sp.WLatch()
	sp.RollbackDelete(int(rid.SlotNum))
	sp.WUnlatch()
	return h.bp.UnpinPage(rid.PageID, true)
}

// ApplyDelete permanently reclaims a marked-deleted tuple's slot, unlinking
// and freeing the page itself if that was its last live tuple.
func (h *Heap) ApplyDelete(rid schema.RowID) error {
	return h.deleteTuple(rid)
}

func (h *Heap) deleteTuple(rid schema.RowID) error {
	if err := h.ensureFreeSpaceLoaded(); err != nil {
		return err
	}

	raw, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return fmt.Errorf("table: fetching page %d: %w", rid.PageID, err)
	}
	sp := page.CastSlottedPage(raw)
	sp.WLatch()
	sp.ApplyDelete(int(rid.SlotNum))
	remaining := sp.LiveTupleCount()
	free := sp.FreeSpace()
	prevID, nextID := sp.PrevPageID(), sp.NextPageID()
	sp.WUnlatch()

	if remaining > 0 || (prevID == page.InvalidID && nextID == page.InvalidID) {
		// keep the page even if empty when it is the heap's only page.
		h.mu.Lock()
		h.freeSpace[rid.PageID] = free
		h.mu.Unlock()
		return h.bp.UnpinPage(rid.PageID, true)
	}

	if err := h.bp.UnpinPage(rid.PageID, true); err != nil {
		return err
	}

	if nextID != page.InvalidID {
		nraw, err := h.bp.FetchPage(nextID)
		if err == nil {
			nsp := page.CastSlottedPage(nraw)
			nsp.WLatch()
			nsp.SetPrevPageID(prevID)
			nsp.WUnlatch()
			_ = h.bp.UnpinPage(nextID, true)
		}
	}
	if prevID != page.InvalidID {
		praw, err := h.bp.FetchPage(prevID)
		if err == nil {
			psp := page.CastSlottedPage(praw)
			psp.WLatch()
			psp.SetNextPageID(nextID)
			psp.WUnlatch()
			_ = h.bp.UnpinPage(prevID, true)
		}
	}

	h.mu.Lock()
	h.removeFromCacheLocked(rid.PageID)
	if h.firstPageID == rid.PageID {
		h.firstPageID = nextID
	}
	if h.lastPageID == rid.PageID {
		h.lastPageID = prevID
	}
	h.mu.Unlock()

	return h.bp.DeletePage(rid.PageID)
}
