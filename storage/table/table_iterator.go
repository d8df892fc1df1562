package table

import (
	"coredb/storage/page"
	"coredb/storage/schema"
)

// Iterator walks every live (non-tombstoned) row of a Heap in heap order.
// It holds no page pinned between calls to Next: each step fetches, reads,
// and unpins.
type Iterator struct {
	heap    *Heap
	pageID  page.ID
	slotNum int
	done    bool
	row     *schema.Row
}

// Begin returns an iterator positioned at the heap's first live row.
func Begin(h *Heap) *Iterator {
	it := &Iterator{heap: h, pageID: h.FirstPageID(), slotNum: -1}
	it.advance()
	return it
}

// End returns an iterator that is already exhausted, for range comparisons.
func End(h *Heap) *Iterator {
	return &Iterator{heap: h, pageID: page.InvalidID, done: true}
}

func (it *Iterator) Valid() bool { return !it.done }

func (it *Iterator) Row() *schema.Row { return it.row }

// Next advances to the next live row. Calling it once Valid() is false is a
// no-op.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.slotNum++
	it.advance()
}

// advance scans forward from (pageID, slotNum) until it lands on a live
// tuple or runs out of pages.
func (it *Iterator) advance() {
	for {
		if it.pageID == page.InvalidID {
			it.done = true
			it.row = nil
			return
		}

		raw, err := it.heap.bp.FetchPage(it.pageID)
		if err != nil {
			it.done = true
			it.row = nil
			return
		}
		sp := page.CastSlottedPage(raw)
		sp.RLatch()
		slotCount := sp.SlotCount()
		next := sp.NextPageID()

		for it.slotNum < slotCount {
			data, tombstoned, ok := sp.GetTuple(it.slotNum)
			if ok && !tombstoned {
				row, _ := schema.DeserializeRow(data, it.heap.schema)
				sp.RUnlatch()
				_ = it.heap.bp.UnpinPage(it.pageID, false)
				it.row = row
				return
			}
			it.slotNum++
		}

		sp.RUnlatch()
		_ = it.heap.bp.UnpinPage(it.pageID, false)
		it.pageID = next
		it.slotNum = 0
	}
}
