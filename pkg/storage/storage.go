// Package storage supplies the two collaborators the recovery manager drives:
// a buffer manager handing out pinned pages, and a disk space manager owning
// partition and page allocation. The implementations here are deliberately
// small — an in-memory page cache over an in-memory disk image, and a
// file-backed partition store — just enough surface for the lock and recovery
// cores to be exercised end to end.
package storage

import (
	"context"

	"txnkernel/pkg/primitives"
)

// Page is a pinned buffer page. Callers must Unpin when done. Writes go
// through Update so the buffer manager can track dirtiness.
type Page interface {
	Num() primitives.PageNum

	// GetPageLSN returns the LSN of the last log record applied to this page.
	GetPageLSN() primitives.LSN
	SetPageLSN(lsn primitives.LSN)

	// Data returns a copy of n bytes starting at offset.
	Data(offset, n int) []byte

	// Update overwrites the page bytes at offset and marks the page dirty.
	Update(offset int, data []byte)

	Unpin()
}

// BufferManager is the page-cache collaborator. FetchPage pins; pages write
// back to disk on FlushPage or eviction, invoking the WAL flush hook first.
type BufferManager interface {
	FetchPage(ctx context.Context, pageNum primitives.PageNum) (Page, error)

	// IterPageNums calls fn for every page currently in the buffer pool,
	// reporting whether it is dirty relative to disk.
	IterPageNums(fn func(pageNum primitives.PageNum, dirty bool))

	// FlushPage writes a page's bytes to disk if dirty. No-op for clean or
	// absent pages.
	FlushPage(pageNum primitives.PageNum) error

	// EffectivePageSize is the usable payload size of a page.
	EffectivePageSize() int
}

// DiskSpaceManager owns partition and page allocation. Partition 0 is
// reserved for the log.
type DiskSpaceManager interface {
	// GetPartNum extracts the partition a page belongs to.
	GetPartNum(pageNum primitives.PageNum) primitives.PartNum

	AllocPart(part primitives.PartNum) error
	FreePart(part primitives.PartNum) error

	// AllocPage allocates the specific page pageNum within its partition.
	AllocPage(pageNum primitives.PageNum) error
	FreePage(pageNum primitives.PageNum) error

	PageAllocated(pageNum primitives.PageNum) bool
	PartAllocated(part primitives.PartNum) bool
}

// MakePageNum composes a page number from a partition and an index within
// it: the partition occupies the high 32 bits.
func MakePageNum(part primitives.PartNum, index uint32) primitives.PageNum {
	return primitives.PageNum(uint64(part)<<32 | uint64(index))
}

// PartOf extracts the partition from a page number.
func PartOf(pageNum primitives.PageNum) primitives.PartNum {
	return primitives.PartNum(uint64(pageNum) >> 32)
}

// IndexOf extracts the within-partition index from a page number.
func IndexOf(pageNum primitives.PageNum) uint32 {
	return uint32(uint64(pageNum) & 0xFFFFFFFF)
}
