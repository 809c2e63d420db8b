package recovery

import (
	"container/heap"
	"context"

	"txnkernel/pkg/logging"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/txn"
	"txnkernel/pkg/wal"
)

// Restart runs crash recovery: analysis rebuilds the transaction table and
// dirty page table from the log, redo repeats history for possibly-lost page
// writes, undo rolls back every transaction that never committed, and a
// terminal checkpoint records the recovered state. Restart assumes no other
// activity; it holds the manager lock throughout.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setRedoComplete(false)

	if err := m.restartAnalysis(); err != nil {
		return err
	}
	if err := m.restartRedo(); err != nil {
		return err
	}
	m.setRedoComplete(true)

	m.cleanDPT()

	if err := m.restartUndo(); err != nil {
		return err
	}
	return m.checkpointLocked()
}

// ensureEntry returns the transaction-table entry for txnNum, materializing
// the transaction through the injected factory if analysis is meeting it for
// the first time.
func (m *Manager) ensureEntry(txnNum int64) *tableEntry {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	e, ok := m.txTable[txnNum]
	if !ok {
		e = &tableEntry{
			txn:        m.newTransaction(txnNum),
			savepoints: make(map[string]primitives.LSN),
		}
		m.txTable[txnNum] = e
	}
	return e
}

func (m *Manager) restartAnalysis() error {
	master, err := m.log.FetchMaster()
	if err != nil {
		return err
	}

	scan, err := m.log.ScanFrom(master.LastCheckpointLSN)
	if err != nil {
		return err
	}

	ended := make(map[int64]bool)

	for {
		rec, err := scan.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}

		if rec.HasTxn() {
			e := m.ensureEntry(rec.TxnNum)
			e.lastLSN = rec.LSN
		}

		if rec.HasPage() {
			switch rec.Type {
			case wal.TypeUpdatePage, wal.TypeUndoUpdatePage:
				m.dirtyPage(rec.PageNum, rec.LSN)
			case wal.TypeFreePage, wal.TypeUndoAllocPage:
				// The free hit disk when it was logged; the page is gone and
				// clean, and everything before it must be durable.
				if err := m.log.FlushToLSN(rec.LSN); err != nil {
					return err
				}
				m.dptRemove(rec.PageNum)
			}
		}

		switch rec.Type {
		case wal.TypeCommit:
			m.ensureEntry(rec.TxnNum).txn.SetStatus(txn.Committing)
		case wal.TypeAbort:
			m.ensureEntry(rec.TxnNum).txn.SetStatus(txn.RecoveryAborting)
		case wal.TypeEnd:
			e := m.ensureEntry(rec.TxnNum)
			e.txn.Cleanup()
			e.txn.SetStatus(txn.Complete)
			m.removeEntry(rec.TxnNum)
			ended[rec.TxnNum] = true
		case wal.TypeEndCheckpoint:
			m.mergeCheckpoint(rec, ended)
		}
	}

	return m.finishAnalysis()
}

// mergeCheckpoint folds an end-checkpoint's tables into the state rebuilt so
// far. Checkpoint DPT entries overwrite scanned ones (the checkpoint's
// recLSN predates anything the post-checkpoint scan saw); transaction
// statuses only ever advance.
func (m *Manager) mergeCheckpoint(rec *wal.Record, ended map[int64]bool) {
	m.dptMu.Lock()
	for pageNum, recLSN := range rec.DirtyPages {
		m.dpt[pageNum] = recLSN
	}
	m.dptMu.Unlock()

	for txnNum, ck := range rec.TxnTable {
		if ended[txnNum] {
			continue
		}
		e := m.ensureEntry(txnNum)
		if ck.LastLSN > e.lastLSN {
			e.lastLSN = ck.LastLSN
		}

		switch ck.Status {
		case txn.Complete:
			e.txn.Cleanup()
			e.txn.SetStatus(txn.Complete)
			m.removeEntry(txnNum)
			ended[txnNum] = true
		case txn.Committing:
			if e.txn.GetStatus() == txn.Running {
				e.txn.SetStatus(txn.Committing)
			}
		case txn.Aborting, txn.RecoveryAborting:
			if e.txn.GetStatus() == txn.Running {
				e.txn.SetStatus(txn.RecoveryAborting)
			}
		}
	}
}

// finishAnalysis settles every surviving transaction: committing ones are
// ended (their commit is durable), running ones become recovery-aborting
// with an abort record, and already recovery-aborting ones wait for the undo
// phase.
func (m *Manager) finishAnalysis() error {
	m.tableMu.Lock()
	entries := make(map[int64]*tableEntry, len(m.txTable))
	for num, e := range m.txTable {
		entries[num] = e
	}
	m.tableMu.Unlock()

	for txnNum, e := range entries {
		switch e.txn.GetStatus() {
		case txn.Committing:
			e.txn.Cleanup()
			if _, err := m.log.Append(wal.NewEnd(txnNum, e.lastLSN)); err != nil {
				return err
			}
			e.txn.SetStatus(txn.Complete)
			m.removeEntry(txnNum)
		case txn.Running:
			e.txn.SetStatus(txn.RecoveryAborting)
			lsn, err := m.log.Append(wal.NewAbort(txnNum, e.lastLSN))
			if err != nil {
				return err
			}
			e.lastLSN = lsn
		case txn.RecoveryAborting:
			// handled by the undo phase
		}
	}
	return nil
}

func (m *Manager) restartRedo() error {
	dpt := m.dptSnapshot()
	if len(dpt) == 0 {
		return nil
	}

	start := primitives.LSN(0)
	for _, recLSN := range dpt {
		if start == 0 || recLSN < start {
			start = recLSN
		}
	}

	scan, err := m.log.ScanFrom(start)
	if err != nil {
		return err
	}

	for {
		rec, err := scan.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if !rec.Redoable() {
			continue
		}

		if rec.HasPart() || rec.Type == wal.TypeAllocPage || rec.Type == wal.TypeUndoFreePage {
			if err := rec.Redo(m.disk, m.buf); err != nil {
				return err
			}
			m.metrics.IncRedo()
			continue
		}

		// Page-modifying records replay only when the page might have lost
		// this write: it is in the DPT, at or past its recLSN, and the
		// on-page LSN is older.
		recLSN, inDPT := dpt[rec.PageNum]
		if !inDPT || rec.LSN < recLSN {
			continue
		}
		switch rec.Type {
		case wal.TypeFreePage, wal.TypeUndoAllocPage:
			if !m.disk.PageAllocated(rec.PageNum) {
				continue
			}
		}
		page, err := m.buf.FetchPage(context.Background(), rec.PageNum)
		if err != nil {
			return err
		}
		pageLSN := page.GetPageLSN()
		page.Unpin()
		if rec.LSN <= pageLSN {
			continue
		}
		if err := rec.Redo(m.disk, m.buf); err != nil {
			return err
		}
		m.metrics.IncRedo()
	}
}

// cleanDPT drops DPT entries for pages the buffer manager reports clean (or
// no longer buffers): their contents are already on disk.
func (m *Manager) cleanDPT() {
	actuallyDirty := make(map[primitives.PageNum]bool)
	m.buf.IterPageNums(func(pageNum primitives.PageNum, dirty bool) {
		if dirty {
			actuallyDirty[pageNum] = true
		}
	})

	m.dptMu.Lock()
	for pageNum := range m.dpt {
		if !actuallyDirty[pageNum] {
			delete(m.dpt, pageNum)
		}
	}
	m.metrics.SetDirtyPages(len(m.dpt))
	m.dptMu.Unlock()
}

// undoHeap is a max-heap of (lastLSN, txnNum) pairs, so undo always works on
// the latest unprocessed record across all aborting transactions.
type undoItem struct {
	lsn    primitives.LSN
	txnNum int64
}

type undoHeap []undoItem

func (h undoHeap) Len() int            { return len(h) }
func (h undoHeap) Less(i, j int) bool  { return h[i].lsn > h[j].lsn }
func (h undoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *undoHeap) Push(x interface{}) { *h = append(*h, x.(undoItem)) }
func (h *undoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (m *Manager) restartUndo() error {
	h := &undoHeap{}
	m.tableMu.Lock()
	for txnNum, e := range m.txTable {
		if e.txn.GetStatus() == txn.RecoveryAborting && e.lastLSN != 0 {
			*h = append(*h, undoItem{lsn: e.lastLSN, txnNum: txnNum})
		}
	}
	m.tableMu.Unlock()
	heap.Init(h)

	for h.Len() > 0 {
		item := heap.Pop(h).(undoItem)
		e, err := m.entry(item.txnNum)
		if err != nil {
			return err
		}

		rec, err := m.log.Fetch(item.lsn)
		if err != nil {
			return err
		}

		if rec.Undoable() {
			if err := m.applyCLR(e, rec); err != nil {
				return err
			}
		}

		next := rec.PrevLSN
		if rec.IsCLR() {
			next = rec.UndoNextLSN
		}

		if next == 0 {
			e.txn.Cleanup()
			if _, err := m.log.Append(wal.NewEnd(item.txnNum, e.lastLSN)); err != nil {
				return err
			}
			e.txn.SetStatus(txn.Complete)
			m.removeEntry(item.txnNum)
			continue
		}
		heap.Push(h, undoItem{lsn: next, txnNum: item.txnNum})
	}

	logging.WithComponent("recovery").Info("undo phase complete")
	return nil
}
