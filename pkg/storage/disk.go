package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/logging"
	"txnkernel/pkg/primitives"
)

// FileDiskManager is a DiskSpaceManager over a directory of partition files,
// one file per partition named part<N>, with page-allocation state persisted
// in a part<N>.alloc sidecar so allocations survive a restart. Page contents
// live with the buffer manager; the files here reserve partitions and record
// which pages exist.
type FileDiskManager struct {
	mu         sync.Mutex
	dir        string
	instanceID string

	parts map[primitives.PartNum]map[uint32]bool
}

// NewFileDiskManager opens (creating if needed) a disk manager over dir.
// Partition 0, the log partition, is always allocated.
func NewFileDiskManager(dir string) (*FileDiskManager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dberr.Wrap(err, "DISK_OPEN", "NewFileDiskManager", "storage")
	}

	d := &FileDiskManager{
		dir:        dir,
		instanceID: uuid.NewString(),
		parts:      make(map[primitives.PartNum]map[uint32]bool),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, dberr.Wrap(err, "DISK_OPEN", "NewFileDiskManager", "storage")
	}
	for _, e := range entries {
		var part uint64
		if n, err := fmt.Sscanf(e.Name(), "part%d", &part); err == nil && n == 1 &&
			filepath.Ext(e.Name()) != ".alloc" {
			pages, err := d.loadAllocations(primitives.PartNum(part))
			if err != nil {
				return nil, err
			}
			d.parts[primitives.PartNum(part)] = pages
		}
	}

	if _, ok := d.parts[primitives.LogPartition]; !ok {
		if err := d.allocPartLocked(primitives.LogPartition); err != nil {
			return nil, err
		}
	}

	logging.WithComponent("storage").Debug("disk manager opened",
		"dir", dir, "instance_id", d.instanceID, "partitions", len(d.parts))
	return d, nil
}

// LogPath returns the path of the log partition's backing file.
func (d *FileDiskManager) LogPath() string {
	return d.partPath(primitives.LogPartition)
}

func (d *FileDiskManager) partPath(part primitives.PartNum) string {
	return filepath.Join(d.dir, fmt.Sprintf("part%d", part))
}

func (d *FileDiskManager) allocPath(part primitives.PartNum) string {
	return d.partPath(part) + ".alloc"
}

// loadAllocations reads a partition's allocation sidecar: one big-endian
// uint32 page index per entry.
func (d *FileDiskManager) loadAllocations(part primitives.PartNum) (map[uint32]bool, error) {
	pages := make(map[uint32]bool)
	data, err := os.ReadFile(d.allocPath(part))
	if os.IsNotExist(err) {
		return pages, nil
	}
	if err != nil {
		return nil, dberr.Wrap(err, "ALLOC_LOAD", "loadAllocations", "storage")
	}
	for off := 0; off+4 <= len(data); off += 4 {
		idx := uint32(data[off])<<24 | uint32(data[off+1])<<16 | uint32(data[off+2])<<8 | uint32(data[off+3])
		pages[idx] = true
	}
	return pages, nil
}

// saveAllocations rewrites a partition's allocation sidecar.
func (d *FileDiskManager) saveAllocations(part primitives.PartNum, pages map[uint32]bool) error {
	data := make([]byte, 0, 4*len(pages))
	for idx := range pages {
		data = append(data, byte(idx>>24), byte(idx>>16), byte(idx>>8), byte(idx))
	}
	if err := os.WriteFile(d.allocPath(part), data, 0o600); err != nil {
		return dberr.Wrap(err, "ALLOC_SAVE", "saveAllocations", "storage")
	}
	return nil
}

// GetPartNum extracts the partition a page belongs to.
func (d *FileDiskManager) GetPartNum(pageNum primitives.PageNum) primitives.PartNum {
	return PartOf(pageNum)
}

func (d *FileDiskManager) allocPartLocked(part primitives.PartNum) error {
	if _, ok := d.parts[part]; ok {
		return dberr.Newf(dberr.ErrCategorySystem, "PART_EXISTS",
			"partition %d is already allocated", part)
	}
	f, err := os.OpenFile(d.partPath(part), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return dberr.Wrap(err, "PART_ALLOC", "AllocPart", "storage")
	}
	if err := f.Close(); err != nil {
		return dberr.Wrap(err, "PART_ALLOC", "AllocPart", "storage")
	}
	d.parts[part] = make(map[uint32]bool)
	return nil
}

// AllocPart allocates partition part.
func (d *FileDiskManager) AllocPart(part primitives.PartNum) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocPartLocked(part)
}

// FreePart releases partition part and every page in it.
func (d *FileDiskManager) FreePart(part primitives.PartNum) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.parts[part]; !ok {
		return dberr.Newf(dberr.ErrCategorySystem, "PART_NOT_FOUND",
			"partition %d is not allocated", part)
	}
	if err := os.Remove(d.partPath(part)); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(err, "PART_FREE", "FreePart", "storage")
	}
	if err := os.Remove(d.allocPath(part)); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(err, "PART_FREE", "FreePart", "storage")
	}
	delete(d.parts, part)
	return nil
}

// AllocPage allocates the specific page pageNum within its partition.
func (d *FileDiskManager) AllocPage(pageNum primitives.PageNum) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	part := PartOf(pageNum)
	pages, ok := d.parts[part]
	if !ok {
		return dberr.Newf(dberr.ErrCategorySystem, "PART_NOT_FOUND",
			"partition %d is not allocated", part)
	}
	idx := IndexOf(pageNum)
	if pages[idx] {
		return dberr.Newf(dberr.ErrCategorySystem, "PAGE_EXISTS",
			"page %d is already allocated", pageNum)
	}
	pages[idx] = true
	return d.saveAllocations(part, pages)
}

// FreePage releases pageNum.
func (d *FileDiskManager) FreePage(pageNum primitives.PageNum) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	part := PartOf(pageNum)
	pages, ok := d.parts[part]
	if !ok || !pages[IndexOf(pageNum)] {
		return dberr.Newf(dberr.ErrCategorySystem, "PAGE_NOT_FOUND",
			"page %d is not allocated", pageNum)
	}
	delete(pages, IndexOf(pageNum))
	return d.saveAllocations(part, pages)
}

// PageAllocated reports whether pageNum is currently allocated.
func (d *FileDiskManager) PageAllocated(pageNum primitives.PageNum) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	pages, ok := d.parts[PartOf(pageNum)]
	return ok && pages[IndexOf(pageNum)]
}

// PartAllocated reports whether part is currently allocated.
func (d *FileDiskManager) PartAllocated(part primitives.PartNum) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.parts[part]
	return ok
}
