// Package buffer implements a fixed-frame buffer pool: a cache of page.Size
// byte frames backing disk-resident pages, with pin counting and a
// replacement policy deciding which unpinned frame to evict when the pool is
// full.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"coredb/common"
	"coredb/storage/disk"
	"coredb/storage/page"
)

var (
	// ErrPoolFull is returned by NewPage/FetchPage when every frame is pinned
	// and there is nothing a replacer can evict.
	ErrPoolFull = errors.New("buffer: no free frame and nothing to evict")
	// ErrPageNotPooled is returned by operations that require the page to
	// currently be resident (Unpin, FlushPage).
	ErrPageNotPooled = errors.New("buffer: page is not in the pool")
)

type frame struct {
	page *page.RawPage
}

// Pool is the interface the rest of the engine programs against; BufferPool
// is its only implementation, but tests substitute smaller pool sizes to
// exercise eviction.
type Pool interface {
	FetchPage(id page.ID) (*page.RawPage, error)
	NewPage() (*page.RawPage, error)
	UnpinPage(id page.ID, isDirty bool) error
	FlushPage(id page.ID) error
	FlushAllPages() error
	DeletePage(id page.ID) error
	Size() int
}

var _ Pool = &BufferPool{}

// BufferPool caches up to poolSize pages in memory. Every lookup by page id
// goes through opLocks, a per-key mutex, so concurrent fetches of distinct
// pages never block each other while still serializing the fetch-or-allocate
// decision for the same page id.
type BufferPool struct {
	poolSize    int
	frames      []*frame
	pageMap     map[page.ID]int
	emptyFrames []int
	replacer    Replacer
	disk        disk.Manager
	mu          sync.Mutex
	opLocks     *common.KeyMutex[page.ID]
}

func NewBufferPool(diskManager disk.Manager, poolSize int) *BufferPool {
	emptyFrames := make([]int, poolSize)
	for i := range emptyFrames {
		emptyFrames[i] = i
	}

	return &BufferPool{
		poolSize:    poolSize,
		frames:      make([]*frame, poolSize),
		pageMap:     make(map[page.ID]int),
		emptyFrames: emptyFrames,
		replacer:    NewClockReplacer(poolSize),
		disk:        diskManager,
		opLocks:     &common.KeyMutex[page.ID]{},
	}
}

func (b *BufferPool) Size() int { return b.poolSize }

// FetchPage returns the requested page, pinned once. Callers must call
// UnpinPage exactly once for every successful FetchPage/NewPage call.
func (b *BufferPool) FetchPage(id page.ID) (*page.RawPage, error) {
	release := b.opLocks.Lock(id)
	defer release()

	b.mu.Lock()
	if frameIdx, ok := b.pageMap[id]; ok {
		b.pin(frameIdx)
		p := b.frames[frameIdx].page
		b.mu.Unlock()
		return p, nil
	}

	if frameIdx := b.reserveEmptyFrame(); frameIdx >= 0 {
		b.mu.Unlock()
		return b.loadInto(id, frameIdx)
	}
	b.mu.Unlock()

	frameIdx, err := b.evictVictim()
	if err != nil {
		return nil, err
	}
	return b.loadInto(id, frameIdx)
}

func (b *BufferPool) loadInto(id page.ID, frameIdx int) (*page.RawPage, error) {
	data, err := b.disk.ReadPage(id)
	if err != nil {
		b.mu.Lock()
		b.unReserveFrame(frameIdx)
		b.mu.Unlock()
		return nil, fmt.Errorf("buffer: reading page %d: %w", id, err)
	}

	b.mu.Lock()
	if b.frames[frameIdx] == nil {
		b.frames[frameIdx] = &frame{page: page.NewRawPage(id)}
	}
	p := b.frames[frameIdx].page
	p.ResetPageID(id)
	copy(p.Data, data)
	p.SetClean()
	b.pageMap[id] = frameIdx
	b.pin(frameIdx)
	b.mu.Unlock()

	return p, nil
}

// NewPage allocates a fresh logical page on disk and pins its frame with a
// zeroed, dirty page. Callers are expected to initialize it (cast it to the
// typed page view they need) before unpinning.
func (b *BufferPool) NewPage() (*page.RawPage, error) {
	id, err := b.disk.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("buffer: allocating page: %w", err)
	}

	b.mu.Lock()
	if frameIdx := b.reserveEmptyFrame(); frameIdx >= 0 {
		if b.frames[frameIdx] == nil {
			b.frames[frameIdx] = &frame{page: page.NewRawPage(id)}
		}
		p := b.frames[frameIdx].page
		p.ResetPageID(id)
		for i := range p.Data {
			p.Data[i] = 0
		}
		p.SetDirty()
		b.pageMap[id] = frameIdx
		b.pin(frameIdx)
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	frameIdx, err := b.evictVictim()
	if err != nil {
		_, _ = b.disk.DeAllocatePage(id)
		return nil, err
	}

	b.mu.Lock()
	p := b.frames[frameIdx].page
	p.ResetPageID(id)
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.SetDirty()
	b.pageMap[id] = frameIdx
	b.pin(frameIdx)
	b.mu.Unlock()
	return p, nil
}

func (b *BufferPool) pin(frameIdx int) {
	b.frames[frameIdx].page.IncrPinCount()
	b.replacer.Pin(frameIdx)
}

// UnpinPage decrements the page's pin count, marking it dirty if isDirty.
// Once the pin count reaches zero the frame becomes eligible for eviction.
func (b *BufferPool) UnpinPage(id page.ID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pageMap[id]
	if !ok {
		return ErrPageNotPooled
	}

	p := b.frames[frameIdx].page
	if isDirty {
		p.SetDirty()
	}
	if p.GetPinCount() <= 0 {
		panic(fmt.Sprintf("buffer: unpinning page %d with pin count %d", id, p.GetPinCount()))
	}
	p.DecrPinCount()
	if p.GetPinCount() == 0 {
		b.replacer.Unpin(frameIdx)
	}
	return nil
}

// FlushPage writes a pooled page's current content to disk if it is dirty.
func (b *BufferPool) FlushPage(id page.ID) error {
	b.mu.Lock()
	frameIdx, ok := b.pageMap[id]
	if !ok {
		b.mu.Unlock()
		return ErrPageNotPooled
	}
	p := b.frames[frameIdx].page
	if !p.IsDirty() {
		b.mu.Unlock()
		return nil
	}
	data := make([]byte, page.Size)
	copy(data, p.Data)
	b.mu.Unlock()

	if err := b.disk.WritePage(id, data); err != nil {
		return fmt.Errorf("buffer: flushing page %d: %w", id, err)
	}

	b.mu.Lock()
	p.SetClean()
	b.mu.Unlock()
	return nil
}

// FlushAllPages flushes every currently pooled dirty page.
func (b *BufferPool) FlushAllPages() error {
	b.mu.Lock()
	ids := make([]page.ID, 0, len(b.pageMap))
	for id := range b.pageMap {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.FlushPage(id); err != nil && err != ErrPageNotPooled {
			return err
		}
	}
	return nil
}

// DeletePage removes a page from the pool and frees its logical id on disk.
// It panics if the page is currently pinned by anyone else, matching the
// engine-wide convention that pin-count bugs are caller bugs, not
// recoverable runtime conditions.
func (b *BufferPool) DeletePage(id page.ID) error {
	b.mu.Lock()
	frameIdx, ok := b.pageMap[id]
	if !ok {
		b.mu.Unlock()
		_, err := b.disk.DeAllocatePage(id)
		return err
	}

	p := b.frames[frameIdx].page
	if p.GetPinCount() > 0 {
		b.mu.Unlock()
		panic(fmt.Sprintf("buffer: deleting pinned page %d, pin count %d", id, p.GetPinCount()))
	}

	delete(b.pageMap, id)
	b.unReserveFrame(frameIdx)
	b.mu.Unlock()

	_, err := b.disk.DeAllocatePage(id)
	return err
}

func (b *BufferPool) reserveEmptyFrame() int {
	if len(b.emptyFrames) == 0 {
		return -1
	}
	idx := b.emptyFrames[0]
	b.emptyFrames = b.emptyFrames[1:]
	return idx
}

func (b *BufferPool) unReserveFrame(idx int) {
	b.emptyFrames = append(b.emptyFrames, idx)
}

// evictVictim asks the replacer for an unpinned frame, flushes it to disk if
// dirty, and returns the now-free frame index. The frame's pin count is back
// to zero on return, but the replacer still marks it pinned, so it cannot be
// chosen again before the caller pins it.
func (b *BufferPool) evictVictim() (int, error) {
	b.mu.Lock()
	victimIdx, ok := b.replacer.ChooseVictim()
	if !ok {
		b.mu.Unlock()
		return 0, ErrPoolFull
	}

	victim := b.frames[victimIdx]
	if victim.page.GetPinCount() != 0 {
		b.mu.Unlock()
		panic(fmt.Sprintf("buffer: replacer chose a pinned page as victim, pin count %d", victim.page.GetPinCount()))
	}

	victim.page.IncrPinCount()
	b.replacer.Pin(victimIdx)
	victimID := victim.page.GetPageID()
	delete(b.pageMap, victimID)
	dirty := victim.page.IsDirty()
	data := make([]byte, page.Size)
	copy(data, victim.page.Data)
	b.mu.Unlock()

	if dirty {
		if err := b.disk.WritePage(victimID, data); err != nil {
			b.mu.Lock()
			victim.page.DecrPinCount()
			b.replacer.Unpin(victimIdx)
			b.pageMap[victimID] = victimIdx
			b.mu.Unlock()
			return 0, fmt.Errorf("buffer: flushing victim page %d: %w", victimID, err)
		}
	}

	b.mu.Lock()
	victim.page.DecrPinCount()
	b.mu.Unlock()

	return victimIdx, nil
}
