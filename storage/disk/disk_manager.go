// Package disk is the lowest layer of the storage engine: it maps logical
// page ids onto physical offsets in a single database file and tracks which
// logical pages are free using a bitmap-per-extent allocator, exactly the
// scheme the rest of the engine assumes when it hands around page.ID values.
package disk

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"coredb/storage/page"
)

// ErrNoSpace is returned by AllocatePage when the file has reached
// page.MaxValidPageID or page.MaxExtentNums and has no free page left.
var ErrNoSpace = errors.New("disk: no space left for new page")

// ErrInvalidPageID is returned by any operation given a page id outside the
// addressable range.
var ErrInvalidPageID = errors.New("disk: invalid page id")

// Manager is the only component that understands physical file offsets. It
// never holds more than two pages (a bitmap page and the meta page) in
// memory at a time; the buffer pool is responsible for caching logical
// pages on top of this.
type Manager interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, data []byte) error
	AllocatePage() (page.ID, error)
	// DeAllocatePage frees id. A double-free is a no-op: it returns
	// (false, nil) rather than an error.
	DeAllocatePage(id page.ID) (bool, error)
	IsPageFree(id page.ID) (bool, error)
	Close() error
}

type manager struct {
	file     *os.File
	mu       sync.Mutex
	metaPage *page.DiskFileMetaPage
}

var _ Manager = &manager{}

// NewDiskManager opens (creating if necessary) the database file at path and
// reads its meta page. isNew reports whether the file was just created.
func NewDiskManager(path string) (Manager, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		log.Printf("disk: could not open db file %q: %v", path, err)
		return nil, false, fmt.Errorf("opening db file: %w", err)
	}

	m := &manager{file: f}

	stat, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("stat db file: %w", err)
	}

	isNew := stat.Size() == 0
	if isNew {
		raw := page.NewRawPage(page.MetaPageID)
		m.metaPage = page.InitDiskFileMetaPage(raw)
		if err := m.writePhysicalPage(0, m.metaPage.GetData()); err != nil {
			return nil, false, err
		}
	} else {
		data, err := m.readPhysicalPage(0)
		if err != nil {
			return nil, false, err
		}
		raw := page.NewRawPage(page.MetaPageID)
		copy(raw.Data, data)
		m.metaPage = page.CastDiskFileMetaPage(raw)
	}

	return m, isNew, nil
}

// MapPageID converts a logical page id into its physical offset, i.e. the
// physical page index that precedes it by one meta page and one bitmap page
// per completed extent, plus the bitmap page of its own extent.
func MapPageID(logical page.ID) int64 {
	l := int64(logical)
	extent := l / int64(page.BitmapSize)
	return 1 + l + (1 + extent)
}

func bitmapPhysicalID(extent uint32) int64 {
	return 1 + int64(extent)*(int64(page.BitmapSize)+1)
}

func (m *manager) ReadPage(id page.ID) ([]byte, error) {
	if id < 0 || int64(id) >= page.MaxValidPageID {
		return nil, ErrInvalidPageID
	}
	return m.readPhysicalPage(MapPageID(id))
}

func (m *manager) WritePage(id page.ID, data []byte) error {
	if id < 0 || int64(id) >= page.MaxValidPageID {
		return ErrInvalidPageID
	}
	return m.writePhysicalPage(MapPageID(id), data)
}

func (m *manager) AllocatePage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int64(m.metaPage.NumAllocatedPages()) >= page.MaxValidPageID && m.metaPage.NumExtents() >= page.MaxExtentNums {
		return page.InvalidID, ErrNoSpace
	}

	for extent := uint32(0); extent < m.metaPage.NumExtents(); extent++ {
		if m.metaPage.ExtentUsedPages(extent) >= page.BitmapSize {
			continue
		}

		bp, err := m.readBitmap(extent)
		if err != nil {
			return page.InvalidID, err
		}

		offset, ok := bp.AllocatePage()
		if !ok {
			return page.InvalidID, fmt.Errorf("disk: extent %d reported free pages but allocation failed", extent)
		}

		if err := m.writeBitmap(extent, bp); err != nil {
			return page.InvalidID, err
		}

		m.metaPage.IncrExtentUsedPages(extent)
		if err := m.flushMeta(); err != nil {
			return page.InvalidID, err
		}

		return page.ID(uint32(extent)*page.BitmapSize + offset), nil
	}

	if m.metaPage.NumExtents() >= page.MaxExtentNums {
		return page.InvalidID, ErrNoSpace
	}

	newExtent := m.metaPage.NumExtents()
	raw := page.NewRawPage(page.ID(bitmapPhysicalID(newExtent)))
	bp := page.InitBitmapPage(raw)
	offset, ok := bp.AllocatePage()
	if !ok {
		return page.InvalidID, fmt.Errorf("disk: fresh extent %d could not allocate its first page", newExtent)
	}

	if err := m.writeBitmap(newExtent, bp); err != nil {
		return page.InvalidID, err
	}

	m.metaPage.IncrExtentUsedPages(newExtent)
	if err := m.flushMeta(); err != nil {
		return page.InvalidID, err
	}

	return page.ID(uint32(newExtent)*page.BitmapSize + offset), nil
}

func (m *manager) DeAllocatePage(id page.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || int64(id) >= page.MaxValidPageID {
		return false, ErrInvalidPageID
	}

	extent := uint32(id) / page.BitmapSize
	offsetInExtent := uint32(id) % page.BitmapSize

	bp, err := m.readBitmap(extent)
	if err != nil {
		return false, err
	}

	if !bp.DeAllocatePage(offsetInExtent) {
		return false, nil
	}

	if err := m.writeBitmap(extent, bp); err != nil {
		return false, err
	}

	m.metaPage.DecrExtentUsedPages(extent)
	return true, m.flushMeta()
}

func (m *manager) IsPageFree(id page.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || int64(id) >= page.MaxValidPageID {
		return false, ErrInvalidPageID
	}

	extent := uint32(id) / page.BitmapSize
	offsetInExtent := uint32(id) % page.BitmapSize

	bp, err := m.readBitmap(extent)
	if err != nil {
		return false, err
	}
	return bp.IsPageFree(offsetInExtent), nil
}

func (m *manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writePhysicalPage(0, m.metaPage.GetData()); err != nil {
		return err
	}
	return m.file.Close()
}

func (m *manager) readBitmap(extent uint32) (*page.BitmapPage, error) {
	data, err := m.readPhysicalPage(bitmapPhysicalID(extent))
	if err != nil {
		return nil, err
	}
	raw := page.NewRawPage(page.ID(bitmapPhysicalID(extent)))
	copy(raw.Data, data)
	return page.CastBitmapPage(raw), nil
}

func (m *manager) writeBitmap(extent uint32, bp *page.BitmapPage) error {
	return m.writePhysicalPage(bitmapPhysicalID(extent), bp.GetData())
}

func (m *manager) flushMeta() error {
	return m.writePhysicalPage(0, m.metaPage.GetData())
}

// readPhysicalPage zero-fills any portion past current end-of-file, mirroring
// the semantics of a freshly allocated, never-written page.
func (m *manager) readPhysicalPage(physicalID int64) ([]byte, error) {
	data := make([]byte, page.Size)

	offset := physicalID * int64(page.Size)
	stat, err := m.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat db file: %w", err)
	}
	if offset >= stat.Size() {
		return data, nil
	}

	n, err := m.file.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading physical page %d: %w", physicalID, err)
	}
	for i := n; i < page.Size; i++ {
		data[i] = 0
	}
	return data, nil
}

func (m *manager) writePhysicalPage(physicalID int64, data []byte) error {
	if len(data) != page.Size {
		return fmt.Errorf("disk: write data is %d bytes, want %d", len(data), page.Size)
	}
	offset := physicalID * int64(page.Size)
	if _, err := m.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("writing physical page %d: %w", physicalID, err)
	}
	return nil
}
