// Package recovery implements ARIES-style crash recovery over the
// write-ahead log: per-transaction log chains, dirty-page tracking, fuzzy
// checkpoints, savepoint rollback, and the three-phase restart.
package recovery

import (
	"sync"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/logging"
	"txnkernel/pkg/metrics"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/storage"
	"txnkernel/pkg/txn"
	"txnkernel/pkg/wal"
)

// CheckpointOracle reports whether an end-checkpoint record can hold that
// many dirty-page and transaction-table entries. The default is derived from
// the buffer manager's page size; tests inject smaller ones.
type CheckpointOracle func(dptEntries, txnEntries int) bool

// tableEntry is one live transaction in the transaction table.
type tableEntry struct {
	txn        *txn.Transaction
	lastLSN    primitives.LSN
	savepoints map[string]primitives.LSN
}

// Manager is the recovery manager. StartTransaction, Checkpoint, and Restart
// are mutually exclusive; log-appending operations serialize inside the log
// manager, and the transaction table and dirty page table carry their own
// locks.
type Manager struct {
	mu sync.Mutex

	log  *wal.Manager
	disk storage.DiskSpaceManager
	buf  storage.BufferManager

	tableMu sync.Mutex
	txTable map[int64]*tableEntry

	dptMu sync.Mutex
	dpt   map[primitives.PageNum]primitives.LSN

	// newTransaction materializes a transaction object for a number found in
	// the log during restart analysis.
	newTransaction func(num int64) *txn.Transaction

	oracle CheckpointOracle

	redoMu       sync.Mutex
	redoComplete bool

	metrics *metrics.RecoveryMetrics
}

// NewManager wires a recovery manager over the log, disk, and buffer
// collaborators. newTransaction is the factory restart analysis uses to
// materialize transactions found in the log.
func NewManager(log *wal.Manager, disk storage.DiskSpaceManager, buf storage.BufferManager, newTransaction func(num int64) *txn.Transaction) *Manager {
	m := &Manager{
		log:            log,
		disk:           disk,
		buf:            buf,
		txTable:        make(map[int64]*tableEntry),
		dpt:            make(map[primitives.PageNum]primitives.LSN),
		newTransaction: newTransaction,
		redoComplete:   true,
	}
	m.oracle = func(dptEntries, txnEntries int) bool {
		return wal.EndCheckpointFits(buf.EffectivePageSize(), dptEntries, txnEntries)
	}
	return m
}

// SetCheckpointOracle replaces the end-checkpoint capacity oracle.
func (m *Manager) SetCheckpointOracle(oracle CheckpointOracle) {
	m.oracle = oracle
}

// SetMetrics installs the recovery instruments.
func (m *Manager) SetMetrics(rm *metrics.RecoveryMetrics) {
	m.metrics = rm
}

// StartTransaction registers tx in the transaction table.
func (m *Manager) StartTransaction(tx *txn.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	m.txTable[tx.GetTransNum()] = &tableEntry{
		txn:        tx,
		savepoints: make(map[string]primitives.LSN),
	}
}

func (m *Manager) entry(txnNum int64) (*tableEntry, error) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	e, ok := m.txTable[txnNum]
	if !ok {
		return nil, dberr.Newf(dberr.ErrCategorySystem, "UNKNOWN_TRANSACTION",
			"transaction %d is not in the transaction table", txnNum)
	}
	return e, nil
}

func (m *Manager) removeEntry(txnNum int64) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	delete(m.txTable, txnNum)
}

// DirtyPage records that pageNum was dirtied by the record at lsn. Exposed
// for data-layer callers that apply a logged change to a page themselves.
func (m *Manager) DirtyPage(pageNum primitives.PageNum, lsn primitives.LSN) {
	m.dirtyPage(pageNum, lsn)
}

// dirtyPage records that pageNum was dirtied by the record at lsn, keeping
// the earliest such LSN.
func (m *Manager) dirtyPage(pageNum primitives.PageNum, lsn primitives.LSN) {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	if cur, ok := m.dpt[pageNum]; !ok || lsn < cur {
		m.dpt[pageNum] = lsn
	}
	m.metrics.SetDirtyPages(len(m.dpt))
}

func (m *Manager) dptRemove(pageNum primitives.PageNum) {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	delete(m.dpt, pageNum)
	m.metrics.SetDirtyPages(len(m.dpt))
}

func (m *Manager) dptSnapshot() map[primitives.PageNum]primitives.LSN {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()
	out := make(map[primitives.PageNum]primitives.LSN, len(m.dpt))
	for k, v := range m.dpt {
		out[k] = v
	}
	return out
}

// DirtyPageTable returns a snapshot of the dirty page table.
func (m *Manager) DirtyPageTable() map[primitives.PageNum]primitives.LSN {
	return m.dptSnapshot()
}

// LogPageWrite appends an update record for a page write about to be
// applied, threading it onto the transaction's chain and marking the page
// dirty. Before and after must be the same length, at most half a page.
func (m *Manager) LogPageWrite(txnNum int64, pageNum primitives.PageNum, offset uint16, before, after []byte) (primitives.LSN, error) {
	if len(before) != len(after) {
		return 0, dberr.Newf(dberr.ErrCategorySystem, "BAD_PAGE_WRITE",
			"before/after lengths differ: %d vs %d", len(before), len(after))
	}
	if len(before) > m.buf.EffectivePageSize()/2 {
		return 0, dberr.Newf(dberr.ErrCategorySystem, "BAD_PAGE_WRITE",
			"page write of %d bytes exceeds half a page", len(before))
	}

	e, err := m.entry(txnNum)
	if err != nil {
		return 0, err
	}

	lsn, err := m.log.Append(wal.NewUpdatePage(txnNum, e.lastLSN, pageNum, offset, before, after))
	if err != nil {
		return 0, err
	}
	e.lastLSN = lsn
	m.dirtyPage(pageNum, lsn)
	return lsn, nil
}

// LogAllocPage appends a page-allocation record and flushes the log through
// it, since the disk effect is immediate. Operations on the log partition
// are skipped and return InvalidLSN.
func (m *Manager) LogAllocPage(txnNum int64, pageNum primitives.PageNum) (primitives.LSN, error) {
	if m.disk.GetPartNum(pageNum) == primitives.LogPartition {
		return primitives.InvalidLSN, nil
	}
	return m.logFlushed(txnNum, func(prev primitives.LSN) *wal.Record {
		return wal.NewAllocPage(txnNum, prev, pageNum)
	})
}

// LogFreePage appends a page-free record, flushes through it, and drops the
// page from the dirty page table: a freed page is clean relative to disk.
func (m *Manager) LogFreePage(txnNum int64, pageNum primitives.PageNum) (primitives.LSN, error) {
	if m.disk.GetPartNum(pageNum) == primitives.LogPartition {
		return primitives.InvalidLSN, nil
	}
	lsn, err := m.logFlushed(txnNum, func(prev primitives.LSN) *wal.Record {
		return wal.NewFreePage(txnNum, prev, pageNum)
	})
	if err != nil {
		return 0, err
	}
	m.dptRemove(pageNum)
	return lsn, nil
}

// LogAllocPart appends a partition-allocation record and flushes through it.
func (m *Manager) LogAllocPart(txnNum int64, partNum primitives.PartNum) (primitives.LSN, error) {
	if partNum == primitives.LogPartition {
		return primitives.InvalidLSN, nil
	}
	return m.logFlushed(txnNum, func(prev primitives.LSN) *wal.Record {
		return wal.NewAllocPart(txnNum, prev, partNum)
	})
}

// LogFreePart appends a partition-free record and flushes through it.
func (m *Manager) LogFreePart(txnNum int64, partNum primitives.PartNum) (primitives.LSN, error) {
	if partNum == primitives.LogPartition {
		return primitives.InvalidLSN, nil
	}
	return m.logFlushed(txnNum, func(prev primitives.LSN) *wal.Record {
		return wal.NewFreePart(txnNum, prev, partNum)
	})
}

func (m *Manager) logFlushed(txnNum int64, build func(prev primitives.LSN) *wal.Record) (primitives.LSN, error) {
	e, err := m.entry(txnNum)
	if err != nil {
		return 0, err
	}
	lsn, err := m.log.Append(build(e.lastLSN))
	if err != nil {
		return 0, err
	}
	e.lastLSN = lsn
	if err := m.log.FlushToLSN(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Commit appends a commit record and flushes the log through it, making the
// commit durable before returning.
func (m *Manager) Commit(txnNum int64) (primitives.LSN, error) {
	e, err := m.entry(txnNum)
	if err != nil {
		return 0, err
	}

	lsn, err := m.log.Append(wal.NewCommit(txnNum, e.lastLSN))
	if err != nil {
		return 0, err
	}
	if err := m.log.FlushToLSN(lsn); err != nil {
		return 0, err
	}
	e.lastLSN = lsn
	e.txn.SetStatus(txn.Committing)
	return lsn, nil
}

// Abort appends an abort record and marks the transaction aborting. The
// rollback itself happens at End.
func (m *Manager) Abort(txnNum int64) (primitives.LSN, error) {
	e, err := m.entry(txnNum)
	if err != nil {
		return 0, err
	}

	lsn, err := m.log.Append(wal.NewAbort(txnNum, e.lastLSN))
	if err != nil {
		return 0, err
	}
	e.lastLSN = lsn
	e.txn.SetStatus(txn.Aborting)
	return lsn, nil
}

// End finishes a transaction: an aborting transaction is first rolled back
// to its beginning, then the transaction is cleaned up, removed from the
// table, and an end record closes its chain.
func (m *Manager) End(txnNum int64) (primitives.LSN, error) {
	e, err := m.entry(txnNum)
	if err != nil {
		return 0, err
	}

	status := e.txn.GetStatus()
	if status == txn.Aborting || status == txn.RecoveryAborting {
		if err := m.rollbackToLSN(e, 0); err != nil {
			return 0, err
		}
	}

	e.txn.Cleanup()
	m.removeEntry(txnNum)

	lsn, err := m.log.Append(wal.NewEnd(txnNum, e.lastLSN))
	if err != nil {
		return 0, err
	}
	e.txn.SetStatus(txn.Complete)
	return lsn, nil
}

// Savepoint records the transaction's current lastLSN under name,
// overwriting any previous savepoint of that name.
func (m *Manager) Savepoint(txnNum int64, name string) error {
	e, err := m.entry(txnNum)
	if err != nil {
		return err
	}
	e.savepoints[name] = e.lastLSN
	return nil
}

// ReleaseSavepoint forgets a savepoint without rolling back to it.
func (m *Manager) ReleaseSavepoint(txnNum int64, name string) error {
	e, err := m.entry(txnNum)
	if err != nil {
		return err
	}
	delete(e.savepoints, name)
	return nil
}

// RollbackToSavepoint undoes every undoable action of the transaction back
// to the named savepoint.
func (m *Manager) RollbackToSavepoint(txnNum int64, name string) error {
	e, err := m.entry(txnNum)
	if err != nil {
		return err
	}
	target, ok := e.savepoints[name]
	if !ok {
		return dberr.Newf(dberr.ErrCategorySystem, "UNKNOWN_SAVEPOINT",
			"transaction %d has no savepoint %q", txnNum, name)
	}
	return m.rollbackToLSN(e, target)
}

// rollbackToLSN undoes the transaction's actions strictly after target,
// emitting and applying a compensation record for each undoable one. If the
// chain's tail is itself a compensation record, the walk resumes at its
// undoNextLSN so the work it compensated is not undone again. Past that
// starting point the walk follows prevLSN, so a compensation record deeper
// in the chain (behind an ABORT, say) is stepped over and the record it
// compensated is undone once more.
func (m *Manager) rollbackToLSN(e *tableEntry, target primitives.LSN) error {
	current := e.lastLSN
	if current == 0 {
		return nil
	}

	rec, err := m.log.Fetch(current)
	if err != nil {
		return err
	}
	if rec.IsCLR() {
		current = rec.UndoNextLSN
	}

	for current > target {
		rec, err := m.log.Fetch(current)
		if err != nil {
			return err
		}

		if rec.Undoable() {
			if err := m.applyCLR(e, rec); err != nil {
				return err
			}
		}

		current = rec.PrevLSN
	}
	return nil
}

// applyCLR emits the compensation record for rec, threads it onto the
// transaction's chain, and applies its physical effect.
func (m *Manager) applyCLR(e *tableEntry, rec *wal.Record) error {
	clr, err := rec.Undo(e.lastLSN)
	if err != nil {
		return err
	}
	lsn, err := m.log.Append(clr)
	if err != nil {
		return err
	}
	e.lastLSN = lsn

	if err := clr.Redo(m.disk, m.buf); err != nil {
		return err
	}

	switch clr.Type {
	case wal.TypeUndoUpdatePage:
		m.dirtyPage(clr.PageNum, lsn)
	case wal.TypeUndoAllocPage:
		// The compensation frees the page, whose disk effect is immediate.
		if err := m.log.FlushToLSN(lsn); err != nil {
			return err
		}
		m.dptRemove(clr.PageNum)
	case wal.TypeUndoAllocPart, wal.TypeUndoFreePart:
		if err := m.log.FlushToLSN(lsn); err != nil {
			return err
		}
	}

	m.metrics.IncUndo()
	logging.WithComponent("recovery").Debug("compensation applied",
		"txn", clr.TxnNum, "lsn", uint64(lsn), "undo_next", uint64(clr.UndoNextLSN))
	return nil
}

// PageFlushHook is called by the buffer manager before a dirty page's bytes
// reach disk; it enforces write-ahead by flushing the log through the page's
// pageLSN.
func (m *Manager) PageFlushHook(pageLSN primitives.LSN) {
	if err := m.log.FlushToLSN(pageLSN); err != nil {
		logging.WithComponent("recovery").Error("WAL flush before page write failed", "error", err)
	}
}

// DiskIOHook is called by the buffer manager after a page write completes.
// Outside the restart redo window the page is clean on disk and leaves the
// dirty page table.
func (m *Manager) DiskIOHook(pageNum primitives.PageNum) {
	m.redoMu.Lock()
	done := m.redoComplete
	m.redoMu.Unlock()
	if done {
		m.dptRemove(pageNum)
	}
}

func (m *Manager) setRedoComplete(v bool) {
	m.redoMu.Lock()
	defer m.redoMu.Unlock()
	m.redoComplete = v
}
