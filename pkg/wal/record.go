// Package wal implements the append-only write-ahead log: the log record
// sum type with per-variant redo/undo semantics, and the log manager that
// assigns LSNs, flushes, and scans.
package wal

import (
	"context"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage"
	"txnkernel/pkg/txn"
)

// RecordType tags a log record variant.
type RecordType uint8

const (
	TypeMaster RecordType = iota
	TypeBeginCheckpoint
	TypeEndCheckpoint
	TypeUpdatePage
	TypeUndoUpdatePage
	TypeAllocPage
	TypeUndoAllocPage
	TypeFreePage
	TypeUndoFreePage
	TypeAllocPart
	TypeUndoAllocPart
	TypeFreePart
	TypeUndoFreePart
	TypeCommit
	TypeAbort
	TypeEnd

	numRecordTypes
)

func (t RecordType) String() string {
	names := [...]string{
		"MASTER", "BEGIN_CHECKPOINT", "END_CHECKPOINT",
		"UPDATE_PAGE", "UNDO_UPDATE_PAGE",
		"ALLOC_PAGE", "UNDO_ALLOC_PAGE", "FREE_PAGE", "UNDO_FREE_PAGE",
		"ALLOC_PART", "UNDO_ALLOC_PART", "FREE_PART", "UNDO_FREE_PART",
		"COMMIT", "ABORT", "END",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// CheckpointTxn is a transaction-table entry packed into an end-checkpoint
// record.
type CheckpointTxn struct {
	Status  txn.Status
	LastLSN primitives.LSN
}

// Record is a single log record. It is a tagged variant: which fields are
// meaningful depends on Type. The zero LSN means "none" for PrevLSN and
// UndoNextLSN, since real records never live at LSN 0 (the master record's
// slot).
type Record struct {
	LSN  primitives.LSN
	Type RecordType

	TxnNum  int64
	PrevLSN primitives.LSN

	// UndoNextLSN is set only on compensation records and points at the next
	// record the transaction must undo.
	UndoNextLSN primitives.LSN

	PageNum primitives.PageNum
	PartNum primitives.PartNum
	Offset  uint16
	Before  []byte
	After   []byte

	// Master record payload.
	LastCheckpointLSN primitives.LSN

	// End-checkpoint payload.
	DirtyPages map[primitives.PageNum]primitives.LSN
	TxnTable   map[int64]CheckpointTxn
}

// NewMaster builds the master record pointing at the most recent begin-
// checkpoint.
func NewMaster(lastCheckpointLSN primitives.LSN) *Record {
	return &Record{Type: TypeMaster, LastCheckpointLSN: lastCheckpointLSN}
}

// NewBeginCheckpoint builds a begin-checkpoint record.
func NewBeginCheckpoint() *Record {
	return &Record{Type: TypeBeginCheckpoint}
}

// NewEndCheckpoint builds an end-checkpoint record carrying a chunk of the
// dirty page table and transaction table.
func NewEndCheckpoint(dirtyPages map[primitives.PageNum]primitives.LSN, txnTable map[int64]CheckpointTxn) *Record {
	return &Record{Type: TypeEndCheckpoint, DirtyPages: dirtyPages, TxnTable: txnTable}
}

// NewUpdatePage builds an update record for a page write. Before and after
// must be the same length.
func NewUpdatePage(txnNum int64, prevLSN primitives.LSN, pageNum primitives.PageNum, offset uint16, before, after []byte) *Record {
	return &Record{
		Type: TypeUpdatePage, TxnNum: txnNum, PrevLSN: prevLSN,
		PageNum: pageNum, Offset: offset, Before: before, After: after,
	}
}

// NewAllocPage builds a page-allocation record.
func NewAllocPage(txnNum int64, prevLSN primitives.LSN, pageNum primitives.PageNum) *Record {
	return &Record{Type: TypeAllocPage, TxnNum: txnNum, PrevLSN: prevLSN, PageNum: pageNum}
}

// NewFreePage builds a page-free record.
func NewFreePage(txnNum int64, prevLSN primitives.LSN, pageNum primitives.PageNum) *Record {
	return &Record{Type: TypeFreePage, TxnNum: txnNum, PrevLSN: prevLSN, PageNum: pageNum}
}

// NewAllocPart builds a partition-allocation record.
func NewAllocPart(txnNum int64, prevLSN primitives.LSN, partNum primitives.PartNum) *Record {
	return &Record{Type: TypeAllocPart, TxnNum: txnNum, PrevLSN: prevLSN, PartNum: partNum}
}

// NewFreePart builds a partition-free record.
func NewFreePart(txnNum int64, prevLSN primitives.LSN, partNum primitives.PartNum) *Record {
	return &Record{Type: TypeFreePart, TxnNum: txnNum, PrevLSN: prevLSN, PartNum: partNum}
}

// NewCommit builds a commit record.
func NewCommit(txnNum int64, prevLSN primitives.LSN) *Record {
	return &Record{Type: TypeCommit, TxnNum: txnNum, PrevLSN: prevLSN}
}

// NewAbort builds an abort record.
func NewAbort(txnNum int64, prevLSN primitives.LSN) *Record {
	return &Record{Type: TypeAbort, TxnNum: txnNum, PrevLSN: prevLSN}
}

// NewEnd builds an end record.
func NewEnd(txnNum int64, prevLSN primitives.LSN) *Record {
	return &Record{Type: TypeEnd, TxnNum: txnNum, PrevLSN: prevLSN}
}

// HasTxn reports whether this record variant carries a transaction number.
func (r *Record) HasTxn() bool {
	switch r.Type {
	case TypeMaster, TypeBeginCheckpoint, TypeEndCheckpoint:
		return false
	default:
		return true
	}
}

// HasPage reports whether this record variant carries a page number.
func (r *Record) HasPage() bool {
	switch r.Type {
	case TypeUpdatePage, TypeUndoUpdatePage,
		TypeAllocPage, TypeUndoAllocPage, TypeFreePage, TypeUndoFreePage:
		return true
	default:
		return false
	}
}

// HasPart reports whether this record variant carries a partition number.
func (r *Record) HasPart() bool {
	switch r.Type {
	case TypeAllocPart, TypeUndoAllocPart, TypeFreePart, TypeUndoFreePart:
		return true
	default:
		return false
	}
}

// IsCLR reports whether this record is a compensation record.
func (r *Record) IsCLR() bool {
	switch r.Type {
	case TypeUndoUpdatePage, TypeUndoAllocPage, TypeUndoFreePage,
		TypeUndoAllocPart, TypeUndoFreePart:
		return true
	default:
		return false
	}
}

// Redoable reports whether Redo applies this record's effect. Every page and
// partition record is redoable, including compensation records; master,
// checkpoint, and status-change records are not.
func (r *Record) Redoable() bool {
	return r.HasPage() || r.HasPart()
}

// Undoable reports whether Undo can produce a compensation record for this
// record. Compensation records themselves are never undone.
func (r *Record) Undoable() bool {
	switch r.Type {
	case TypeUpdatePage, TypeAllocPage, TypeFreePage, TypeAllocPart, TypeFreePart:
		return true
	default:
		return false
	}
}

// Undo returns the compensation record reversing this record. lastLSN is the
// transaction's current lastLSN and becomes the CLR's PrevLSN; the CLR's
// UndoNextLSN points past this record at its PrevLSN, so an interrupted undo
// resumes without repeating work.
func (r *Record) Undo(lastLSN primitives.LSN) (*Record, error) {
	switch r.Type {
	case TypeUpdatePage:
		return &Record{
			Type: TypeUndoUpdatePage, TxnNum: r.TxnNum, PrevLSN: lastLSN,
			UndoNextLSN: r.PrevLSN, PageNum: r.PageNum, Offset: r.Offset,
			After: r.Before,
		}, nil
	case TypeAllocPage:
		return &Record{
			Type: TypeUndoAllocPage, TxnNum: r.TxnNum, PrevLSN: lastLSN,
			UndoNextLSN: r.PrevLSN, PageNum: r.PageNum,
		}, nil
	case TypeFreePage:
		return &Record{
			Type: TypeUndoFreePage, TxnNum: r.TxnNum, PrevLSN: lastLSN,
			UndoNextLSN: r.PrevLSN, PageNum: r.PageNum,
		}, nil
	case TypeAllocPart:
		return &Record{
			Type: TypeUndoAllocPart, TxnNum: r.TxnNum, PrevLSN: lastLSN,
			UndoNextLSN: r.PrevLSN, PartNum: r.PartNum,
		}, nil
	case TypeFreePart:
		return &Record{
			Type: TypeUndoFreePart, TxnNum: r.TxnNum, PrevLSN: lastLSN,
			UndoNextLSN: r.PrevLSN, PartNum: r.PartNum,
		}, nil
	default:
		return nil, dberr.Newf(dberr.ErrCategorySystem, "NOT_UNDOABLE",
			"%s records cannot be undone", r.Type)
	}
}

// Redo applies this record's physical effect. Page writes stamp the page's
// pageLSN with this record's LSN; allocation and free effects are applied
// only if not already in place, so replaying an already-applied record is a
// no-op.
func (r *Record) Redo(disk storage.DiskSpaceManager, buf storage.BufferManager) error {
	switch r.Type {
	case TypeUpdatePage, TypeUndoUpdatePage:
		page, err := buf.FetchPage(context.Background(), r.PageNum)
		if err != nil {
			return err
		}
		defer page.Unpin()
		page.Update(int(r.Offset), r.After)
		page.SetPageLSN(r.LSN)
		return nil

	case TypeAllocPage, TypeUndoFreePage:
		if disk.PageAllocated(r.PageNum) {
			return nil
		}
		return disk.AllocPage(r.PageNum)

	case TypeFreePage, TypeUndoAllocPage:
		if !disk.PageAllocated(r.PageNum) {
			return nil
		}
		return disk.FreePage(r.PageNum)

	case TypeAllocPart, TypeUndoFreePart:
		if disk.PartAllocated(r.PartNum) {
			return nil
		}
		return disk.AllocPart(r.PartNum)

	case TypeFreePart, TypeUndoAllocPart:
		if !disk.PartAllocated(r.PartNum) {
			return nil
		}
		return disk.FreePart(r.PartNum)

	default:
		return dberr.Newf(dberr.ErrCategorySystem, "NOT_REDOABLE",
			"%s records cannot be redone", r.Type)
	}
}
