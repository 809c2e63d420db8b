package storage

import (
	"context"
	"sync"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/logging"
	"txnkernel/pkg/primitives"
)

// MemoryBufferManager is an in-memory BufferManager: cached frames over an
// in-memory disk image. It honors the write-ahead rule through a flush hook
// the recovery manager installs — the hook runs before any dirty page's
// bytes reach the disk image — and reports completed page writes through a
// disk-IO hook so recovery can retire dirty-page-table entries.
type MemoryBufferManager struct {
	mu       sync.Mutex
	pageSize int
	disk     DiskSpaceManager

	frames    map[primitives.PageNum]*bufferPage
	diskImage map[primitives.PageNum]diskPage

	flushHook  func(pageLSN primitives.LSN)
	diskIOHook func(pageNum primitives.PageNum)
}

type diskPage struct {
	data    []byte
	pageLSN primitives.LSN
}

// NewMemoryBufferManager creates a buffer manager with the given usable page
// size over disk.
func NewMemoryBufferManager(disk DiskSpaceManager, pageSize int) *MemoryBufferManager {
	return &MemoryBufferManager{
		pageSize:  pageSize,
		disk:      disk,
		frames:    make(map[primitives.PageNum]*bufferPage),
		diskImage: make(map[primitives.PageNum]diskPage),
	}
}

// SetFlushHook installs the WAL hook called with a page's pageLSN before its
// bytes are written to disk.
func (m *MemoryBufferManager) SetFlushHook(fn func(pageLSN primitives.LSN)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushHook = fn
}

// SetDiskIOHook installs the hook called after a page write completes.
func (m *MemoryBufferManager) SetDiskIOHook(fn func(pageNum primitives.PageNum)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diskIOHook = fn
}

// EffectivePageSize returns the usable payload size of a page.
func (m *MemoryBufferManager) EffectivePageSize() int {
	return m.pageSize
}

// FetchPage pins the page, loading it from the disk image if not cached. The
// page must be allocated with the disk space manager first.
func (m *MemoryBufferManager) FetchPage(_ context.Context, pageNum primitives.PageNum) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disk != nil && !m.disk.PageAllocated(pageNum) {
		return nil, dberr.Newf(dberr.ErrCategorySystem, "PAGE_NOT_ALLOCATED",
			"page %d is not allocated", pageNum)
	}

	p, ok := m.frames[pageNum]
	if !ok {
		p = &bufferPage{
			bm:   m,
			num:  pageNum,
			data: make([]byte, m.pageSize),
		}
		if img, onDisk := m.diskImage[pageNum]; onDisk {
			copy(p.data, img.data)
			p.pageLSN = img.pageLSN
		}
		m.frames[pageNum] = p
	}
	p.pins++
	return p, nil
}

// IterPageNums reports every buffered page and its dirtiness.
func (m *MemoryBufferManager) IterPageNums(fn func(pageNum primitives.PageNum, dirty bool)) {
	m.mu.Lock()
	type entry struct {
		num   primitives.PageNum
		dirty bool
	}
	entries := make([]entry, 0, len(m.frames))
	for num, p := range m.frames {
		entries = append(entries, entry{num, p.dirty})
	}
	m.mu.Unlock()

	for _, e := range entries {
		fn(e.num, e.dirty)
	}
}

// FlushPage writes a dirty page's bytes to the disk image, running the WAL
// flush hook first and the disk-IO hook after.
func (m *MemoryBufferManager) FlushPage(pageNum primitives.PageNum) error {
	m.mu.Lock()
	p, ok := m.frames[pageNum]
	if !ok || !p.dirty {
		m.mu.Unlock()
		return nil
	}
	flushHook, diskIOHook := m.flushHook, m.diskIOHook
	pageLSN := p.pageLSN
	m.mu.Unlock()

	if flushHook != nil {
		flushHook(pageLSN)
	}

	m.mu.Lock()
	data := make([]byte, len(p.data))
	copy(data, p.data)
	m.diskImage[pageNum] = diskPage{data: data, pageLSN: p.pageLSN}
	p.dirty = false
	m.mu.Unlock()

	if diskIOHook != nil {
		diskIOHook(pageNum)
	}
	return nil
}

// EvictPage flushes and drops an unpinned page from the pool. Pinned pages
// are left in place.
func (m *MemoryBufferManager) EvictPage(pageNum primitives.PageNum) error {
	m.mu.Lock()
	p, ok := m.frames[pageNum]
	pinned := ok && p.pins > 0
	m.mu.Unlock()
	if !ok || pinned {
		return nil
	}

	if err := m.FlushPage(pageNum); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.frames, pageNum)
	m.mu.Unlock()
	return nil
}

// EvictAll flushes and drops every unpinned page.
func (m *MemoryBufferManager) EvictAll() error {
	m.mu.Lock()
	nums := make([]primitives.PageNum, 0, len(m.frames))
	for num := range m.frames {
		nums = append(nums, num)
	}
	m.mu.Unlock()

	for _, num := range nums {
		if err := m.EvictPage(num); err != nil {
			return err
		}
	}
	return nil
}

// DropPage discards a page's frame and disk image without flushing, used
// when the page itself is freed.
func (m *MemoryBufferManager) DropPage(pageNum primitives.PageNum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frames, pageNum)
	delete(m.diskImage, pageNum)
}

type bufferPage struct {
	bm      *MemoryBufferManager
	num     primitives.PageNum
	data    []byte
	pageLSN primitives.LSN
	pins    int
	dirty   bool
}

func (p *bufferPage) Num() primitives.PageNum { return p.num }

func (p *bufferPage) GetPageLSN() primitives.LSN {
	p.bm.mu.Lock()
	defer p.bm.mu.Unlock()
	return p.pageLSN
}

func (p *bufferPage) SetPageLSN(lsn primitives.LSN) {
	p.bm.mu.Lock()
	defer p.bm.mu.Unlock()
	p.pageLSN = lsn
}

func (p *bufferPage) Data(offset, n int) []byte {
	p.bm.mu.Lock()
	defer p.bm.mu.Unlock()
	out := make([]byte, n)
	copy(out, p.data[offset:offset+n])
	return out
}

func (p *bufferPage) Update(offset int, data []byte) {
	p.bm.mu.Lock()
	defer p.bm.mu.Unlock()
	copy(p.data[offset:], data)
	p.dirty = true
}

func (p *bufferPage) Unpin() {
	p.bm.mu.Lock()
	defer p.bm.mu.Unlock()
	if p.pins == 0 {
		logging.WithComponent("buffer").Warn("unpin of already-unpinned page", "page", p.num)
		return
	}
	p.pins--
}
