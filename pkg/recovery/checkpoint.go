package recovery

import (
	"time"

	"golang.org/x/sync/errgroup"

	"txnkernel/pkg/logging"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/wal"
)

// Checkpoint takes a fuzzy checkpoint: a begin record, end records packing
// the dirty page table and transaction table snapshots, a flush, and a
// master-record rewrite pointing at the begin record. Running transactions
// are not quiesced.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked()
}

func (m *Manager) checkpointLocked() error {
	started := time.Now()

	beginLSN, err := m.log.Append(wal.NewBeginCheckpoint())
	if err != nil {
		return err
	}

	dptSnap := m.dptSnapshot()
	txnSnap := m.txnSnapshot()

	// Packing the snapshots into end records and flushing the pool's dirty
	// pages are independent once the snapshots are taken.
	var endLSN primitives.LSN
	var g errgroup.Group
	g.Go(func() error {
		lsn, err := m.writeEndCheckpoints(dptSnap, txnSnap)
		endLSN = lsn
		return err
	})
	g.Go(m.flushDirtyPages)
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.log.FlushToLSN(endLSN); err != nil {
		return err
	}
	if err := m.log.RewriteMaster(beginLSN); err != nil {
		return err
	}

	m.metrics.ObserveCheckpoint(time.Since(started))
	logging.WithComponent("recovery").Info("checkpoint complete",
		"begin_lsn", uint64(beginLSN), "dirty_pages", len(dptSnap), "transactions", len(txnSnap))
	return nil
}

func (m *Manager) txnSnapshot() map[int64]wal.CheckpointTxn {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	out := make(map[int64]wal.CheckpointTxn, len(m.txTable))
	for num, e := range m.txTable {
		out[num] = wal.CheckpointTxn{Status: e.txn.GetStatus(), LastLSN: e.lastLSN}
	}
	return out
}

// writeEndCheckpoints packs the snapshots greedily: dirty-page entries
// first, then transaction entries, emitting a record and starting a new one
// whenever the oracle says the next entry would overflow. At least one end
// record is always written, and the last record's LSN is returned.
func (m *Manager) writeEndCheckpoints(dpt map[primitives.PageNum]primitives.LSN, txns map[int64]wal.CheckpointTxn) (primitives.LSN, error) {
	chunkDPT := make(map[primitives.PageNum]primitives.LSN)
	chunkTxns := make(map[int64]wal.CheckpointTxn)
	var lastLSN primitives.LSN

	emit := func() error {
		lsn, err := m.log.Append(wal.NewEndCheckpoint(chunkDPT, chunkTxns))
		if err != nil {
			return err
		}
		lastLSN = lsn
		chunkDPT = make(map[primitives.PageNum]primitives.LSN)
		chunkTxns = make(map[int64]wal.CheckpointTxn)
		return nil
	}

	for pageNum, recLSN := range dpt {
		if !m.oracle(len(chunkDPT)+1, len(chunkTxns)) {
			if err := emit(); err != nil {
				return 0, err
			}
		}
		chunkDPT[pageNum] = recLSN
	}
	for txnNum, entry := range txns {
		if !m.oracle(len(chunkDPT), len(chunkTxns)+1) {
			if err := emit(); err != nil {
				return 0, err
			}
		}
		chunkTxns[txnNum] = entry
	}
	if err := emit(); err != nil {
		return 0, err
	}
	return lastLSN, nil
}

func (m *Manager) flushDirtyPages() error {
	var dirty []primitives.PageNum
	m.buf.IterPageNums(func(pageNum primitives.PageNum, isDirty bool) {
		if isDirty {
			dirty = append(dirty, pageNum)
		}
	})
	for _, pageNum := range dirty {
		if err := m.buf.FlushPage(pageNum); err != nil {
			return err
		}
	}
	return nil
}
