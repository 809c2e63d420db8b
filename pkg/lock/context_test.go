package lock

import (
	"testing"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/txn"
)

func newHierarchy() (*Hierarchy, *Context) {
	h := NewHierarchy(NewTable(), "database")
	return h, h.Root()
}

func mustAcquire(t *testing.T, ctx *Context, tx *txn.Transaction, mode Mode) {
	t.Helper()
	if err := ctx.Acquire(tx, mode); err != nil {
		t.Fatalf("acquire %s on %s: %v", mode, ctx.Name(), err)
	}
}

func TestAcquireRequiresParentIntent(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	t1 := newTxn(t)

	err := tbl.Acquire(t1, S)
	if !hasCode(err, dberr.CodeInvalidLock) {
		t.Fatalf("S without parent IS: expected INVALID_LOCK, got %v", err)
	}

	mustAcquire(t, db, t1, IS)
	mustAcquire(t, tbl, t1, S)

	// X needs IX above, and IS does not substitute IX.
	tbl2 := db.ChildContext("table2")
	err = tbl2.Acquire(t1, X)
	if !hasCode(err, dberr.CodeInvalidLock) {
		t.Fatalf("X under IS parent: expected INVALID_LOCK, got %v", err)
	}
}

func TestAcquireRedundantUnderSIX(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	page := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IX)
	mustAcquire(t, tbl, t1, SIX)

	for _, m := range []Mode{S, IS} {
		if err := page.Acquire(t1, m); !hasCode(err, dberr.CodeInvalidLock) {
			t.Errorf("%s under ancestor SIX: expected INVALID_LOCK, got %v", m, err)
		}
	}

	// X below a SIX is fine: SIX substitutes IX at the parent.
	mustAcquire(t, page, t1, X)
}

func TestNumChildLocksTracksDescendants(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	p1 := tbl.ChildContext("page1")
	p2 := tbl.ChildContext("page2")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IS)
	mustAcquire(t, tbl, t1, IS)
	mustAcquire(t, p1, t1, S)
	mustAcquire(t, p2, t1, S)

	if got := db.NumChildLocks(t1); got != 3 {
		t.Errorf("db child locks = %d, want 3", got)
	}
	if got := tbl.NumChildLocks(t1); got != 2 {
		t.Errorf("table child locks = %d, want 2", got)
	}

	if err := p1.Release(t1); err != nil {
		t.Fatalf("release page1: %v", err)
	}
	if got := tbl.NumChildLocks(t1); got != 1 {
		t.Errorf("table child locks after release = %d, want 1", got)
	}
	if got := db.NumChildLocks(t1); got != 2 {
		t.Errorf("db child locks after release = %d, want 2", got)
	}
}

func TestReleaseRejectedWithChildLocksHeld(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	page := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IS)
	mustAcquire(t, tbl, t1, IS)
	mustAcquire(t, page, t1, S)

	if err := tbl.Release(t1); !hasCode(err, dberr.CodeInvalidLock) {
		t.Fatalf("release with child held: expected INVALID_LOCK, got %v", err)
	}

	if err := page.Release(t1); err != nil {
		t.Fatalf("release page: %v", err)
	}
	if err := tbl.Release(t1); err != nil {
		t.Fatalf("release table: %v", err)
	}
	if err := db.Release(t1); err != nil {
		t.Fatalf("release db: %v", err)
	}
}

func TestPromoteToSIXReleasesDescendantReadLocks(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	p1 := tbl.ChildContext("page1")
	p2 := tbl.ChildContext("page2")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IX)
	mustAcquire(t, tbl, t1, IS)
	mustAcquire(t, p1, t1, S)
	mustAcquire(t, p2, t1, IS)

	dbBefore := db.NumChildLocks(t1)

	if err := tbl.Promote(t1, SIX); err != nil {
		t.Fatalf("promote to SIX: %v", err)
	}

	if got := tbl.ExplicitMode(t1); got != SIX {
		t.Errorf("table mode = %s, want SIX", got)
	}
	if got := p1.ExplicitMode(t1); got != NL {
		t.Errorf("page1 mode = %s, want NL", got)
	}
	if got := p2.ExplicitMode(t1); got != NL {
		t.Errorf("page2 mode = %s, want NL", got)
	}
	if got := tbl.NumChildLocks(t1); got != 0 {
		t.Errorf("table child locks = %d, want 0", got)
	}
	// The db counter drops by the two released pages; the table lock itself
	// stays counted.
	if got := db.NumChildLocks(t1); got != dbBefore-2 {
		t.Errorf("db child locks = %d, want %d", got, dbBefore-2)
	}
}

func TestPromoteToSIXRedundantUnderAncestorSIX(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	page := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IX)
	mustAcquire(t, tbl, t1, SIX)
	mustAcquire(t, page, t1, IX)

	if err := page.Promote(t1, SIX); !hasCode(err, dberr.CodeInvalidLock) {
		t.Fatalf("SIX under ancestor SIX: expected INVALID_LOCK, got %v", err)
	}
}

func TestPromoteValidationAtContext(t *testing.T) {
	_, db := newHierarchy()
	t1 := newTxn(t)

	if err := db.Promote(t1, X); !hasCode(err, dberr.CodeNoLockHeld) {
		t.Errorf("promote with nothing held: expected NO_LOCK_HELD, got %v", err)
	}

	mustAcquire(t, db, t1, S)
	if err := db.Promote(t1, S); !hasCode(err, dberr.CodeDuplicateLock) {
		t.Errorf("promote to same: expected DUPLICATE_LOCK_REQUEST, got %v", err)
	}
	if err := db.Promote(t1, IS); !hasCode(err, dberr.CodeInvalidLock) {
		t.Errorf("downgrade: expected INVALID_LOCK, got %v", err)
	}
}

func TestEscalateChoosesXOnWriteDescendants(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	p1 := tbl.ChildContext("page1")
	p2 := tbl.ChildContext("page2")
	p3 := tbl.ChildContext("page3")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IX)
	mustAcquire(t, tbl, t1, IX)
	mustAcquire(t, p1, t1, S)
	mustAcquire(t, p2, t1, IS)
	mustAcquire(t, p3, t1, X)

	if err := tbl.Escalate(t1); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if got := tbl.ExplicitMode(t1); got != X {
		t.Errorf("escalated mode = %s, want X", got)
	}
	for _, p := range []*Context{p1, p2, p3} {
		if got := p.ExplicitMode(t1); got != NL {
			t.Errorf("%s mode = %s, want NL after escalation", p.Name(), got)
		}
	}
	if got := tbl.NumChildLocks(t1); got != 0 {
		t.Errorf("table child locks = %d, want 0", got)
	}
}

func TestEscalateChoosesSOnReadDescendants(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	p1 := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IS)
	mustAcquire(t, tbl, t1, IS)
	mustAcquire(t, p1, t1, S)

	if err := tbl.Escalate(t1); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got := tbl.ExplicitMode(t1); got != S {
		t.Errorf("escalated mode = %s, want S", got)
	}
}

func TestEscalateAtIXWithReadDescendantsChoosesS(t *testing.T) {
	// The target depends only on the descendant locks, not on the mode held
	// at the escalating node itself.
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	p1 := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IX)
	mustAcquire(t, tbl, t1, IX)
	mustAcquire(t, p1, t1, IS)

	if err := tbl.Escalate(t1); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got := tbl.ExplicitMode(t1); got != S {
		t.Errorf("escalated mode = %s, want S", got)
	}
	if got := p1.ExplicitMode(t1); got != NL {
		t.Errorf("page mode = %s, want NL after escalation", got)
	}

	// Same with no descendant locks at all: IX alone escalates to S.
	tbl2 := db.ChildContext("table2")
	mustAcquire(t, tbl2, t1, IX)
	if err := tbl2.Escalate(t1); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got := tbl2.ExplicitMode(t1); got != S {
		t.Errorf("escalated mode with no descendants = %s, want S", got)
	}
}

func TestEscalateIsIdempotentAtSOrX(t *testing.T) {
	_, db := newHierarchy()
	t1 := newTxn(t)

	if err := db.Escalate(t1); !hasCode(err, dberr.CodeNoLockHeld) {
		t.Fatalf("escalate with nothing held: expected NO_LOCK_HELD, got %v", err)
	}

	mustAcquire(t, db, t1, S)
	if err := db.Escalate(t1); err != nil {
		t.Fatalf("escalate at S should be a no-op: %v", err)
	}
	if got := db.ExplicitMode(t1); got != S {
		t.Errorf("mode = %s, want S untouched", got)
	}
}

func TestEffectiveMode(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	page := tbl.ChildContext("page1")
	t1 := newTxn(t)

	if got := page.EffectiveMode(t1); got != NL {
		t.Errorf("effective = %s, want NL with nothing held", got)
	}

	mustAcquire(t, db, t1, IX)
	// Intent at ancestors grants nothing at the descendant.
	if got := page.EffectiveMode(t1); got != NL {
		t.Errorf("effective = %s under IX ancestor, want NL", got)
	}

	mustAcquire(t, tbl, t1, SIX)
	if got := page.EffectiveMode(t1); got != S {
		t.Errorf("effective = %s under SIX ancestor, want S", got)
	}

	mustAcquire(t, page, t1, X)
	if got := page.EffectiveMode(t1); got != X {
		t.Errorf("effective = %s with explicit X, want X", got)
	}
}

func TestEffectiveModeUnderXAncestor(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	page := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, X)
	if got := page.EffectiveMode(t1); got != X {
		t.Errorf("effective = %s under X ancestor, want X", got)
	}
	if got := tbl.EffectiveMode(t1); got != X {
		t.Errorf("effective = %s under X parent, want X", got)
	}
}

func TestReadonlyContextRejectsMutation(t *testing.T) {
	_, db := newHierarchy()
	tbl := db.ChildContext("table1")
	tbl.DisableChildLocks()
	page := tbl.ChildContext("page1")
	t1 := newTxn(t)

	mustAcquire(t, db, t1, IS)
	mustAcquire(t, tbl, t1, IS)

	if err := page.Acquire(t1, S); !hasCode(err, dberr.CodeReadonly) {
		t.Errorf("acquire on readonly child: expected READONLY_CONTEXT, got %v", err)
	}
	if err := page.Release(t1); !hasCode(err, dberr.CodeReadonly) {
		t.Errorf("release on readonly child: expected READONLY_CONTEXT, got %v", err)
	}
	if err := page.Promote(t1, X); !hasCode(err, dberr.CodeReadonly) {
		t.Errorf("promote on readonly child: expected READONLY_CONTEXT, got %v", err)
	}
	if err := page.Escalate(t1); !hasCode(err, dberr.CodeReadonly) {
		t.Errorf("escalate on readonly child: expected READONLY_CONTEXT, got %v", err)
	}
}

func TestChildContextIsCached(t *testing.T) {
	_, db := newHierarchy()
	if db.ChildContext("table1") != db.ChildContext("table1") {
		t.Error("ChildContext returned distinct contexts for the same segment")
	}
}
