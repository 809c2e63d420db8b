// Package kernel assembles the transactional core into a single owning
// value: lock hierarchy, write-ahead log, recovery manager, and the storage
// collaborators they drive. Nothing here is process-global; open two kernels
// over two directories and they share nothing.
package kernel

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/lock"
	"txnkernel/pkg/logging"
	"txnkernel/pkg/metrics"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/recovery"
	"txnkernel/pkg/storage"
	"txnkernel/pkg/txn"
	"txnkernel/pkg/wal"
)

// Config configures a kernel.
type Config struct {
	// DataDir holds the partition files, including the log at partition 0.
	DataDir string

	// PageSize is the usable page payload size. Defaults to 4096.
	PageSize int

	// RootResource names the root of the lock hierarchy. Defaults to
	// "database".
	RootResource string

	// Metrics, when set, registers lock and recovery instruments there.
	Metrics prometheus.Registerer
}

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	if c.RootResource == "" {
		c.RootResource = "database"
	}
}

// Kernel owns the transactional core.
type Kernel struct {
	cfg Config

	disk *storage.FileDiskManager
	buf  *storage.MemoryBufferManager
	log  *wal.Manager

	locks    *lock.Hierarchy
	recovery *recovery.Manager

	mu     sync.Mutex
	active map[int64]*txn.Transaction
}

// Open builds a kernel over cfg.DataDir and runs crash recovery, so the
// returned kernel always starts from a consistent state.
func Open(cfg Config) (*Kernel, error) {
	cfg.applyDefaults()

	disk, err := storage.NewFileDiskManager(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	buf := storage.NewMemoryBufferManager(disk, cfg.PageSize)
	logMgr, err := wal.Open(disk.LogPath(), cfg.PageSize)
	if err != nil {
		return nil, err
	}

	table := lock.NewTable()
	hier := lock.NewHierarchy(table, cfg.RootResource)

	k := &Kernel{
		cfg:    cfg,
		disk:   disk,
		buf:    buf,
		log:    logMgr,
		locks:  hier,
		active: make(map[int64]*txn.Transaction),
	}

	k.recovery = recovery.NewManager(logMgr, disk, buf, k.recoveredTransaction)
	buf.SetFlushHook(k.recovery.PageFlushHook)
	buf.SetDiskIOHook(k.recovery.DiskIOHook)

	if cfg.Metrics != nil {
		table.SetMetrics(metrics.NewLockMetrics(cfg.Metrics))
		k.recovery.SetMetrics(metrics.NewRecoveryMetrics(cfg.Metrics))
	}

	if err := k.recovery.Restart(); err != nil {
		logMgr.Close()
		return nil, err
	}

	logging.WithComponent("kernel").Info("kernel open", "dir", cfg.DataDir)
	return k, nil
}

// recoveredTransaction materializes a transaction restart analysis found in
// the log. It holds no locks, so cleanup has nothing to release.
func (k *Kernel) recoveredTransaction(num int64) *txn.Transaction {
	return txn.New(txn.TransactionIDFromValue(num))
}

// Close flushes buffered pages and the log, then closes the kernel.
func (k *Kernel) Close() error {
	if err := k.buf.EvictAll(); err != nil {
		return err
	}
	return k.log.Close()
}

// LockRoot returns the root lock context.
func (k *Kernel) LockRoot() *lock.Context {
	return k.locks.Root()
}

// Recovery exposes the recovery manager for checkpoint and savepoint calls.
func (k *Kernel) Recovery() *recovery.Manager {
	return k.recovery
}

// Begin starts a transaction. Its cleanup releases every lock it holds.
func (k *Kernel) Begin() *txn.Transaction {
	tx := txn.New(txn.NewTransactionID())
	tx.SetCleanupFunc(func() {
		if err := k.locks.ReleaseAll(tx); err != nil {
			logging.WithTxn(tx.GetTransNum()).Error("lock release at cleanup failed", "error", err)
		}
	})
	k.recovery.StartTransaction(tx)

	k.mu.Lock()
	k.active[tx.GetTransNum()] = tx
	k.mu.Unlock()
	return tx
}

func (k *Kernel) forget(tx *txn.Transaction) {
	k.mu.Lock()
	delete(k.active, tx.GetTransNum())
	k.mu.Unlock()
}

// Commit makes tx's effects durable and finishes it.
func (k *Kernel) Commit(tx *txn.Transaction) error {
	if _, err := k.recovery.Commit(tx.GetTransNum()); err != nil {
		return err
	}
	if _, err := k.recovery.End(tx.GetTransNum()); err != nil {
		return err
	}
	k.forget(tx)
	return nil
}

// Abort rolls back tx's effects and finishes it.
func (k *Kernel) Abort(tx *txn.Transaction) error {
	if _, err := k.recovery.Abort(tx.GetTransNum()); err != nil {
		return err
	}
	if _, err := k.recovery.End(tx.GetTransNum()); err != nil {
		return err
	}
	k.forget(tx)
	return nil
}

// EnsureLock makes tx hold a lock sufficient for mode on the resource named
// by path segments beneath the root.
func (k *Kernel) EnsureLock(tx *txn.Transaction, mode lock.Mode, path ...string) error {
	ctx := k.locks.Root()
	for _, seg := range path {
		ctx = ctx.ChildContext(seg)
	}
	return lock.EnsureSufficient(tx, ctx, mode)
}

// AllocPart allocates a partition under tx, logged first.
func (k *Kernel) AllocPart(tx *txn.Transaction, part primitives.PartNum) error {
	if part == primitives.LogPartition {
		return dberr.Newf(dberr.ErrCategorySystem, "RESERVED_PARTITION",
			"partition %d is reserved for the log", part)
	}
	if _, err := k.recovery.LogAllocPart(tx.GetTransNum(), part); err != nil {
		return err
	}
	return k.disk.AllocPart(part)
}

// AllocPage allocates a page under tx, logged first.
func (k *Kernel) AllocPage(tx *txn.Transaction, pageNum primitives.PageNum) error {
	if storage.PartOf(pageNum) == primitives.LogPartition {
		return dberr.Newf(dberr.ErrCategorySystem, "RESERVED_PARTITION",
			"page %d lies in the log partition", pageNum)
	}
	if _, err := k.recovery.LogAllocPage(tx.GetTransNum(), pageNum); err != nil {
		return err
	}
	return k.disk.AllocPage(pageNum)
}

// FreePage frees a page under tx, logged first.
func (k *Kernel) FreePage(tx *txn.Transaction, pageNum primitives.PageNum) error {
	if storage.PartOf(pageNum) == primitives.LogPartition {
		return dberr.Newf(dberr.ErrCategorySystem, "RESERVED_PARTITION",
			"page %d lies in the log partition", pageNum)
	}
	if _, err := k.recovery.LogFreePage(tx.GetTransNum(), pageNum); err != nil {
		return err
	}
	return k.disk.FreePage(pageNum)
}

// Write performs a logged page write under tx: the update record is appended
// before the page bytes change, and the page is stamped with the record's
// LSN.
func (k *Kernel) Write(tx *txn.Transaction, pageNum primitives.PageNum, offset int, data []byte) error {
	page, err := k.buf.FetchPage(context.Background(), pageNum)
	if err != nil {
		return err
	}
	defer page.Unpin()

	before := page.Data(offset, len(data))
	lsn, err := k.recovery.LogPageWrite(tx.GetTransNum(), pageNum, uint16(offset), before, data) // #nosec G115
	if err != nil {
		return err
	}
	page.Update(offset, data)
	page.SetPageLSN(lsn)
	return nil
}

// Read returns n bytes of a page at offset.
func (k *Kernel) Read(pageNum primitives.PageNum, offset, n int) ([]byte, error) {
	page, err := k.buf.FetchPage(context.Background(), pageNum)
	if err != nil {
		return nil, err
	}
	defer page.Unpin()
	return page.Data(offset, n), nil
}

// Checkpoint takes a fuzzy checkpoint.
func (k *Kernel) Checkpoint() error {
	return k.recovery.Checkpoint()
}
