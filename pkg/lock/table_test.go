package lock

import (
	"errors"
	"testing"
	"time"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/txn"
)

func newTxn(t *testing.T) *txn.Transaction {
	t.Helper()
	return txn.New(txn.NewTransactionID())
}

func res(segments ...string) ResourceName {
	return NewResourceName(segments...)
}

// acquireAsync runs an acquire on its own goroutine and returns a channel
// that closes once the acquire returns (i.e. the lock was granted).
func acquireAsync(t *testing.T, table *Table, tx *txn.Transaction, r ResourceName, mode Mode) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := table.Acquire(tx, r, mode); err != nil {
			t.Errorf("async acquire %s on %s: %v", mode, r, err)
		}
	}()
	return done
}

func assertBlocked(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
		t.Fatal("expected acquire to block, but it returned")
	case <-time.After(50 * time.Millisecond):
	}
}

func assertGranted(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected acquire to be granted, still blocked")
	}
}

func hasCode(err error, code string) bool {
	var dbErr *dberr.DBError
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.Code == code
}

func TestAcquireGrantsCompatibleLocks(t *testing.T) {
	table := NewTable()
	t1, t2 := newTxn(t), newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(t1, page, S); err != nil {
		t.Fatalf("first S acquire: %v", err)
	}
	if err := table.Acquire(t2, page, S); err != nil {
		t.Fatalf("second S acquire: %v", err)
	}

	locks := table.LocksOn(page)
	if len(locks) != 2 {
		t.Fatalf("expected 2 granted locks, got %d", len(locks))
	}
	if locks[0].TxnID != t1.GetTransNum() || locks[1].TxnID != t2.GetTransNum() {
		t.Error("granted locks not in acquisition order")
	}
}

func TestAcquireDuplicateRejected(t *testing.T) {
	table := NewTable()
	t1 := newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(t1, page, S); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := table.Acquire(t1, page, X)
	if !hasCode(err, dberr.CodeDuplicateLock) {
		t.Fatalf("expected DUPLICATE_LOCK_REQUEST, got %v", err)
	}
}

func TestConflictBlocksUntilRelease(t *testing.T) {
	table := NewTable()
	t1, t2 := newTxn(t), newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(t1, page, X); err != nil {
		t.Fatalf("acquire X: %v", err)
	}

	done := acquireAsync(t, table, t2, page, S)
	assertBlocked(t, done)

	if err := table.Release(t1, page); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertGranted(t, done)

	if got := table.ModeHeldBy(t2, page); got != S {
		t.Errorf("t2 holds %s, want S", got)
	}
}

func TestWaitersGrantedInFIFOOrder(t *testing.T) {
	table := NewTable()
	holder, t1, t2 := newTxn(t), newTxn(t), newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(holder, page, X); err != nil {
		t.Fatalf("acquire X: %v", err)
	}

	d1 := acquireAsync(t, table, t1, page, S)
	assertBlocked(t, d1)
	d2 := acquireAsync(t, table, t2, page, S)
	assertBlocked(t, d2)

	if err := table.Release(holder, page); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Both are S and compatible, so both drain — but t1 first.
	assertGranted(t, d1)
	assertGranted(t, d2)

	locks := table.LocksOn(page)
	if len(locks) != 2 || locks[0].TxnID != t1.GetTransNum() {
		t.Errorf("expected t1 granted first, got %+v", locks)
	}
}

func TestStrictQueueStopsAtIncompatibleHead(t *testing.T) {
	// queue: S X S — only the first S is drained; the X blocks the rest.
	table := NewTable()
	holder, tS1, tX, tS2 := newTxn(t), newTxn(t), newTxn(t), newTxn(t)
	page := res("database", "table1", "pageA")

	if err := table.Acquire(holder, page, X); err != nil {
		t.Fatalf("acquire X: %v", err)
	}

	dS1 := acquireAsync(t, table, tS1, page, S)
	assertBlocked(t, dS1)
	dX := acquireAsync(t, table, tX, page, X)
	assertBlocked(t, dX)
	dS2 := acquireAsync(t, table, tS2, page, S)
	assertBlocked(t, dS2)

	if err := table.Release(holder, page); err != nil {
		t.Fatalf("release: %v", err)
	}

	assertGranted(t, dS1)
	assertBlocked(t, dX)
	assertBlocked(t, dS2)

	if err := table.Release(tS1, page); err != nil {
		t.Fatalf("release S1: %v", err)
	}
	assertGranted(t, dX)
	assertBlocked(t, dS2)

	if err := table.Release(tX, page); err != nil {
		t.Fatalf("release X: %v", err)
	}
	assertGranted(t, dS2)
}

func TestAcquireBehindWaitersQueuesEvenIfCompatible(t *testing.T) {
	// A compatible request must still queue behind existing waiters.
	table := NewTable()
	holder, tX, tS := newTxn(t), newTxn(t), newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(holder, page, S); err != nil {
		t.Fatalf("acquire S: %v", err)
	}
	dX := acquireAsync(t, table, tX, page, X)
	assertBlocked(t, dX)

	// S is compatible with the holder's S, but the queue is non-empty.
	dS := acquireAsync(t, table, tS, page, S)
	assertBlocked(t, dS)

	if err := table.Release(holder, page); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertGranted(t, dX)
	assertBlocked(t, dS)

	if err := table.Release(tX, page); err != nil {
		t.Fatalf("release X: %v", err)
	}
	assertGranted(t, dS)
}

func TestReleaseWithoutLock(t *testing.T) {
	table := NewTable()
	t1 := newTxn(t)

	err := table.Release(t1, res("database", "table1"))
	if !hasCode(err, dberr.CodeNoLockHeld) {
		t.Fatalf("expected NO_LOCK_HELD, got %v", err)
	}
}

func TestPromoteInPlacePreservesGrantOrder(t *testing.T) {
	table := NewTable()
	t1, t2 := newTxn(t), newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(t1, page, IS); err != nil {
		t.Fatalf("acquire IS: %v", err)
	}
	if err := table.Acquire(t2, page, IS); err != nil {
		t.Fatalf("acquire IS: %v", err)
	}
	if err := table.Promote(t1, page, IX); err != nil {
		t.Fatalf("promote: %v", err)
	}

	locks := table.LocksOn(page)
	if len(locks) != 2 {
		t.Fatalf("expected 2 locks, got %d", len(locks))
	}
	if locks[0].TxnID != t1.GetTransNum() || locks[0].Mode != IX {
		t.Errorf("promotion moved t1 out of its grant-order slot: %+v", locks)
	}
}

func TestPromoteValidation(t *testing.T) {
	table := NewTable()
	t1 := newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Promote(t1, page, X); !hasCode(err, dberr.CodeNoLockHeld) {
		t.Errorf("promote with nothing held: expected NO_LOCK_HELD, got %v", err)
	}

	if err := table.Acquire(t1, page, S); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := table.Promote(t1, page, S); !hasCode(err, dberr.CodeDuplicateLock) {
		t.Errorf("promote to same mode: expected DUPLICATE_LOCK_REQUEST, got %v", err)
	}
	if err := table.Promote(t1, page, IS); !hasCode(err, dberr.CodeInvalidLock) {
		t.Errorf("downgrade: expected INVALID_LOCK, got %v", err)
	}
}

func TestPromoteQueuesAtHead(t *testing.T) {
	table := NewTable()
	t1, t2, t3 := newTxn(t), newTxn(t), newTxn(t)
	page := res("database", "table1", "page1")

	if err := table.Acquire(t1, page, S); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := table.Acquire(t2, page, S); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// t3 queues a plain X first; then t1's promotion to X must cut ahead.
	d3 := acquireAsync(t, table, t3, page, X)
	assertBlocked(t, d3)

	promoted := make(chan struct{})
	go func() {
		defer close(promoted)
		if err := table.Promote(t1, page, X); err != nil {
			t.Errorf("promote: %v", err)
		}
	}()
	assertBlocked(t, promoted)

	if err := table.Release(t2, page); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertGranted(t, promoted)
	assertBlocked(t, d3)

	if got := table.ModeHeldBy(t1, page); got != X {
		t.Errorf("t1 holds %s, want X", got)
	}

	if err := table.Release(t1, page); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertGranted(t, d3)
}

func TestAcquireAndReleaseAtomicSwap(t *testing.T) {
	table := NewTable()
	t1 := newTxn(t)
	tbl := res("database", "table1")
	p1 := res("database", "table1", "page1")
	p2 := res("database", "table1", "page2")

	for _, pair := range []struct {
		r ResourceName
		m Mode
	}{{tbl, IS}, {p1, S}, {p2, S}} {
		if err := table.Acquire(t1, pair.r, pair.m); err != nil {
			t.Fatalf("acquire %s: %v", pair.r, err)
		}
	}

	err := table.AcquireAndRelease(t1, tbl, S, []ResourceName{tbl, p1, p2})
	if err != nil {
		t.Fatalf("acquireAndRelease: %v", err)
	}

	if got := table.ModeHeldBy(t1, tbl); got != S {
		t.Errorf("table mode = %s, want S", got)
	}
	if got := table.ModeHeldBy(t1, p1); got != NL {
		t.Errorf("page1 mode = %s, want NL", got)
	}
	if got := table.ModeHeldBy(t1, p2); got != NL {
		t.Errorf("page2 mode = %s, want NL", got)
	}
	if locks := table.LocksOf(t1); len(locks) != 1 {
		t.Errorf("expected exactly 1 remaining lock, got %+v", locks)
	}
}

func TestAcquireAndReleaseValidatesBeforeMutating(t *testing.T) {
	table := NewTable()
	t1 := newTxn(t)
	tbl := res("database", "table1")
	p1 := res("database", "table1", "page1")

	if err := table.Acquire(t1, tbl, IS); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// p1 is not held, so the whole operation must fail with no state change.
	err := table.AcquireAndRelease(t1, tbl, S, []ResourceName{tbl, p1})
	if !hasCode(err, dberr.CodeNoLockHeld) {
		t.Fatalf("expected NO_LOCK_HELD, got %v", err)
	}
	if got := table.ModeHeldBy(t1, tbl); got != IS {
		t.Errorf("table mode = %s after failed call, want IS untouched", got)
	}

	// Target held but not named in the release set: duplicate.
	err = table.AcquireAndRelease(t1, tbl, S, nil)
	if !hasCode(err, dberr.CodeDuplicateLock) {
		t.Fatalf("expected DUPLICATE_LOCK_REQUEST, got %v", err)
	}
}

func TestAcquireAndReleaseDrainsFreedQueues(t *testing.T) {
	table := NewTable()
	t1, t2 := newTxn(t), newTxn(t)
	p1 := res("database", "table1", "page1")
	p2 := res("database", "table1", "page2")

	if err := table.Acquire(t1, p1, X); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := table.Acquire(t1, p2, S); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// t2 waits on p1, which the swap below releases.
	done := acquireAsync(t, table, t2, p1, X)
	assertBlocked(t, done)

	if err := table.AcquireAndRelease(t1, p2, X, []ResourceName{p2, p1}); err != nil {
		t.Fatalf("acquireAndRelease: %v", err)
	}
	assertGranted(t, done)
}

func TestLocksOfReturnsAcquisitionOrder(t *testing.T) {
	table := NewTable()
	t1 := newTxn(t)
	names := []ResourceName{
		res("database"),
		res("database", "table1"),
		res("database", "table1", "page3"),
		res("database", "table2"),
	}
	for _, r := range names {
		if err := table.Acquire(t1, r, IS); err != nil {
			t.Fatalf("acquire %s: %v", r, err)
		}
	}

	locks := table.LocksOf(t1)
	if len(locks) != len(names) {
		t.Fatalf("expected %d locks, got %d", len(names), len(locks))
	}
	for i, l := range locks {
		if !l.Resource.Equals(names[i]) {
			t.Errorf("lock %d is %s, want %s", i, l.Resource, names[i])
		}
	}
}
