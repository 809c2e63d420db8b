package lock

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"txnkernel/pkg/logging"
	"txnkernel/pkg/metrics"
	"txnkernel/pkg/txn"
)

// Lock is a granted triple (resource, mode, transaction).
type Lock struct {
	Resource ResourceName
	Mode     Mode
	TxnID    int64

	seq int64
}

// lockRequest is a queued waiter. releaseOnGrant lists other resources to
// release atomically the moment this request is granted — populated only
// by AcquireAndRelease; nil for a plain Acquire or Promote.
type lockRequest struct {
	txn            *txn.Transaction
	lock           Lock
	releaseOnGrant []ResourceName
}

// resourceEntry holds the granted-lock list (in grant order) and the FIFO
// wait queue for a single resource.
type resourceEntry struct {
	resource ResourceName
	granted  []Lock
	waiters  []*lockRequest
}

// Table is the flat per-resource lock manager. A single mutex guards every
// resource's granted list and wait queue; no operation holds it across a
// park. Blocking follows a two-phase handshake: the waiter's PrepareBlock
// runs while mu is still held, mu is released, then the waiter parks outside
// the critical section, so a grant racing the park is absorbed rather than
// lost.
type Table struct {
	mu   sync.Mutex
	seq  int64
	byID map[string]*resourceEntry

	// txnResources maps a transaction number to the set of resource keys it
	// currently holds a lock on, so LocksOf and ancestor-counter maintenance
	// don't require scanning every resource in the table.
	txnResources map[int64]map[string]ResourceName

	metrics *metrics.LockMetrics
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		byID:         make(map[string]*resourceEntry),
		txnResources: make(map[int64]map[string]ResourceName),
	}
}

// SetMetrics installs the lock instruments. Safe to leave unset.
func (t *Table) SetMetrics(m *metrics.LockMetrics) {
	t.metrics = m
}

// depthLabel names a hierarchy level for the wait-time and queue-depth
// instruments.
func depthLabel(depth int) string {
	switch depth {
	case 1:
		return "database"
	case 2:
		return "table"
	case 3:
		return "page"
	case 4:
		return "record"
	default:
		return strconv.Itoa(depth)
	}
}

// blockOn parks tx until its queued request is granted, recording the wait
// in the metrics and debug log. Must be called outside the table mutex,
// after PrepareBlock was called inside it.
func (t *Table) blockOn(tx *txn.Transaction, resource ResourceName, mode Mode) {
	depth := depthLabel(resource.Depth())
	t.metrics.AddWaiter(depth, 1)
	logging.WithLock(tx.GetTransNum(), resource.String()).Debug("blocked", "mode", mode.String())

	started := time.Now()
	tx.Block()

	t.metrics.AddWaiter(depth, -1)
	t.metrics.ObserveWait(depth, time.Since(started))
	logging.WithLock(tx.GetTransNum(), resource.String()).Debug("granted after wait", "mode", mode.String())
}

func (t *Table) entry(resource ResourceName) *resourceEntry {
	key := resource.Key()
	e, ok := t.byID[key]
	if !ok {
		e = &resourceEntry{resource: resource}
		t.byID[key] = e
	}
	return e
}

func (t *Table) entryOrNil(resource ResourceName) *resourceEntry {
	return t.byID[resource.Key()]
}

func (t *Table) nextSeq() int64 {
	t.seq++
	return t.seq
}

// modeHeldLocked returns the mode tx holds on resource, or NL.
func (t *Table) modeHeldLocked(tx *txn.Transaction, resource ResourceName) Mode {
	e := t.entryOrNil(resource)
	if e == nil {
		return NL
	}
	for _, g := range e.granted {
		if g.TxnID == tx.GetTransNum() {
			return g.Mode
		}
	}
	return NL
}

// canGrantLocked reports whether mode is compatible with every lock granted
// on entry by a transaction other than tx.
func canGrantLocked(e *resourceEntry, tx *txn.Transaction, mode Mode) bool {
	for _, g := range e.granted {
		if g.TxnID == tx.GetTransNum() {
			continue
		}
		if !Compatible(g.Mode, mode) {
			return false
		}
	}
	return true
}

// installLocked grants lock on e: updates tx's existing entry in place
// (preserving its grant-order position) or appends a new one.
func (t *Table) installLocked(e *resourceEntry, lock Lock) {
	for i, g := range e.granted {
		if g.TxnID == lock.TxnID {
			lock.seq = g.seq
			e.granted[i] = lock
			return
		}
	}
	lock.seq = t.nextSeq()
	t.metrics.IncGrant(lock.Mode.String())
	e.granted = append(e.granted, lock)
	byTxn, ok := t.txnResources[lock.TxnID]
	if !ok {
		byTxn = make(map[string]ResourceName)
		t.txnResources[lock.TxnID] = byTxn
	}
	byTxn[e.resource.Key()] = e.resource
}

// removeLocked removes tx's lock from e, if any, reporting whether one was
// removed.
func (t *Table) removeLocked(e *resourceEntry, tx *txn.Transaction) bool {
	for i, g := range e.granted {
		if g.TxnID == tx.GetTransNum() {
			e.granted = append(e.granted[:i], e.granted[i+1:]...)
			if byTxn, ok := t.txnResources[g.TxnID]; ok {
				delete(byTxn, e.resource.Key())
			}
			return true
		}
	}
	return false
}

// drainLocked walks e's wait queue front to back, granting every request
// compatible with the current granted set, stopping at the first one that
// isn't — strict head-of-line FIFO, never skip-ahead. Resources freed by a
// granted request's releaseOnGrant are appended to worklist instead of
// drained recursively, so a long release chain never grows the call stack.
func (t *Table) drainLocked(e *resourceEntry, worklist *[]*resourceEntry) {
	for len(e.waiters) > 0 {
		req := e.waiters[0]
		if !canGrantLocked(e, req.txn, req.lock.Mode) {
			break
		}
		e.waiters = e.waiters[1:]
		t.installLocked(e, req.lock)

		for _, rel := range req.releaseOnGrant {
			if rel.Equals(req.lock.Resource) {
				continue
			}
			relEntry := t.entry(rel)
			if t.removeLocked(relEntry, req.txn) {
				*worklist = append(*worklist, relEntry)
			}
		}

		req.txn.Unblock()
	}
}

func (t *Table) processWorklist(worklist []*resourceEntry) {
	for len(worklist) > 0 {
		e := worklist[0]
		worklist = worklist[1:]
		t.drainLocked(e, &worklist)
	}
}

// Acquire requests mode on resource for tx. If incompatible with a current
// holder, or the resource already has waiters, tx is enqueued at the tail
// and its thread parks until granted.
func (t *Table) Acquire(tx *txn.Transaction, resource ResourceName, mode Mode) error {
	t.mu.Lock()

	if t.modeHeldLocked(tx, resource) != NL {
		t.mu.Unlock()
		return errDuplicateLock(resource, tx.GetTransNum())
	}

	e := t.entry(resource)
	lockVal := Lock{Resource: resource, Mode: mode, TxnID: tx.GetTransNum()}

	if len(e.waiters) == 0 && canGrantLocked(e, tx, mode) {
		t.installLocked(e, lockVal)
		t.mu.Unlock()
		return nil
	}

	req := &lockRequest{txn: tx, lock: lockVal}
	e.waiters = append(e.waiters, req)
	tx.PrepareBlock()
	t.mu.Unlock()
	t.blockOn(tx, resource, mode)
	return nil
}

// AcquireAndRelease atomically installs mode on resource for tx and
// releases every resource in releaseSet other than resource itself. If the
// new lock isn't immediately compatible with the current holders, the
// combined request is enqueued at the head of resource's queue — ahead of
// any existing waiters, so an in-flight promotion/escalation is never
// starved by ordinary acquires.
func (t *Table) AcquireAndRelease(tx *txn.Transaction, resource ResourceName, mode Mode, releaseSet []ResourceName) error {
	t.mu.Lock()

	holdsTarget := t.modeHeldLocked(tx, resource) != NL
	targetInSet := containsResource(releaseSet, resource)
	if holdsTarget && !targetInSet {
		t.mu.Unlock()
		return errDuplicateLock(resource, tx.GetTransNum())
	}

	for _, r := range releaseSet {
		if t.modeHeldLocked(tx, r) == NL {
			t.mu.Unlock()
			return errNoLockHeld(r, tx.GetTransNum())
		}
	}

	e := t.entry(resource)
	lockVal := Lock{Resource: resource, Mode: mode, TxnID: tx.GetTransNum()}

	if canGrantLocked(e, tx, mode) {
		t.installLocked(e, lockVal)

		var worklist []*resourceEntry
		for _, r := range releaseSet {
			if r.Equals(resource) {
				continue
			}
			relEntry := t.entry(r)
			if t.removeLocked(relEntry, tx) {
				worklist = append(worklist, relEntry)
			}
		}
		t.processWorklist(worklist)

		t.mu.Unlock()
		return nil
	}

	releaseOnGrant := make([]ResourceName, 0, len(releaseSet))
	for _, r := range releaseSet {
		if !r.Equals(resource) {
			releaseOnGrant = append(releaseOnGrant, r)
		}
	}

	req := &lockRequest{txn: tx, lock: lockVal, releaseOnGrant: releaseOnGrant}
	e.waiters = append([]*lockRequest{req}, e.waiters...)
	tx.PrepareBlock()
	t.mu.Unlock()
	t.blockOn(tx, resource, mode)
	return nil
}

// Release drops tx's lock on resource and drains the resulting queue.
func (t *Table) Release(tx *txn.Transaction, resource ResourceName) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryOrNil(resource)
	if e == nil || !t.removeLocked(e, tx) {
		return errNoLockHeld(resource, tx.GetTransNum())
	}

	t.processWorklist([]*resourceEntry{e})
	return nil
}

// Promote changes tx's lock on resource to newMode, which must be strictly
// stronger (substitutable, and different from the current mode).
func (t *Table) Promote(tx *txn.Transaction, resource ResourceName, newMode Mode) error {
	t.mu.Lock()

	held := t.modeHeldLocked(tx, resource)
	if held == NL {
		t.mu.Unlock()
		return errNoLockHeld(resource, tx.GetTransNum())
	}
	if newMode == held {
		t.mu.Unlock()
		return errDuplicateLock(resource, tx.GetTransNum())
	}
	if !Substitutable(newMode, held) {
		t.mu.Unlock()
		return errInvalidLock("promotion from %s to %s on %s is not substitutable", held, newMode, resource)
	}

	e := t.entry(resource)
	lockVal := Lock{Resource: resource, Mode: newMode, TxnID: tx.GetTransNum()}

	if canGrantLocked(e, tx, newMode) {
		t.installLocked(e, lockVal)
		t.mu.Unlock()
		return nil
	}

	req := &lockRequest{txn: tx, lock: lockVal}
	e.waiters = append([]*lockRequest{req}, e.waiters...)
	tx.PrepareBlock()
	t.mu.Unlock()
	t.blockOn(tx, resource, newMode)
	return nil
}

// LocksOn returns the locks granted on resource, in grant order.
func (t *Table) LocksOn(resource ResourceName) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryOrNil(resource)
	if e == nil {
		return nil
	}
	out := make([]Lock, len(e.granted))
	copy(out, e.granted)
	return out
}

// LocksOf returns every lock tx currently holds, in the order it acquired
// them (across all resources).
func (t *Table) LocksOf(tx *txn.Transaction) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	byTxn := t.txnResources[tx.GetTransNum()]
	out := make([]Lock, 0, len(byTxn))
	for _, resource := range byTxn {
		e := t.byID[resource.Key()]
		for _, g := range e.granted {
			if g.TxnID == tx.GetTransNum() {
				out = append(out, g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ModeHeldBy returns the mode tx holds on resource, or NL if none.
func (t *Table) ModeHeldBy(tx *txn.Transaction, resource ResourceName) Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modeHeldLocked(tx, resource)
}

func containsResource(set []ResourceName, r ResourceName) bool {
	for _, s := range set {
		if s.Equals(r) {
			return true
		}
	}
	return false
}
