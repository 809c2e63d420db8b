package lock

import (
	"sort"
	"sync"

	"txnkernel/pkg/txn"
)

// Hierarchy owns the lazily-built tree of lock contexts over a single flat
// Table. Contexts are created on first lookup and cached, so concurrent
// child-context lookups for the same node always return the same *Context.
type Hierarchy struct {
	table *Table
	root  *Context
}

// NewHierarchy builds a hierarchy rooted at rootSegment (conventionally
// "database") over table.
func NewHierarchy(table *Table, rootSegment string) *Hierarchy {
	h := &Hierarchy{table: table}
	h.root = &Context{
		hier:          h,
		name:          NewResourceName(rootSegment),
		children:      make(map[string]*Context),
		numChildLocks: make(map[int64]int),
	}
	return h
}

// Root returns the root context.
func (h *Hierarchy) Root() *Context {
	return h.root
}

// Table returns the underlying flat lock table.
func (h *Hierarchy) Table() *Table {
	return h.table
}

// contextFor resolves the cached context for name, which must be the root's
// name or a descendant of it. Returns nil if name lies outside the tree.
func (h *Hierarchy) contextFor(name ResourceName) *Context {
	if name.Equals(h.root.name) {
		return h.root
	}
	if !name.IsDescendantOf(h.root.name) {
		return nil
	}
	ctx := h.root
	for _, seg := range name.segments[len(h.root.name.segments):] {
		ctx = ctx.ChildContext(seg)
	}
	return ctx
}

// ContextFor resolves the cached context for name, which must be the root's
// name or lie beneath it. Returns nil for names outside the tree.
func (h *Hierarchy) ContextFor(name ResourceName) *Context {
	return h.contextFor(name)
}

// ReleaseAll drops every lock tx holds, deepest resources first so no lock
// is ever released while the transaction still holds descendants under it.
// Used at transaction cleanup.
func (h *Hierarchy) ReleaseAll(tx *txn.Transaction) error {
	locks := h.table.LocksOf(tx)
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Resource.Depth() > locks[j].Resource.Depth()
	})
	for _, l := range locks {
		ctx := h.contextFor(l.Resource)
		if ctx == nil {
			if err := h.table.Release(tx, l.Resource); err != nil {
				return err
			}
			continue
		}
		if err := ctx.Release(tx); err != nil {
			return err
		}
	}
	return nil
}

// Context is a single node in the lock hierarchy. It wraps the flat table
// with the intent-lock discipline: a lock here requires a sufficient intent
// lock at the parent, and a context cannot be released while the transaction
// still holds locks on its descendants.
type Context struct {
	hier   *Hierarchy
	parent *Context
	name   ResourceName

	mu            sync.Mutex
	children      map[string]*Context
	numChildLocks map[int64]int

	readonly           bool
	childLocksDisabled bool
}

// Name returns the resource name this context locks.
func (c *Context) Name() ResourceName {
	return c.name
}

// Parent returns the parent context, nil at the root.
func (c *Context) Parent() *Context {
	return c.parent
}

// ChildContext returns (creating and caching if needed) the context for
// segment directly beneath c.
func (c *Context) ChildContext(segment string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	child, ok := c.children[segment]
	if !ok {
		child = &Context{
			hier:          c.hier,
			parent:        c,
			name:          c.name.Child(segment),
			children:      make(map[string]*Context),
			numChildLocks: make(map[int64]int),
			readonly:      c.readonly || c.childLocksDisabled,
		}
		c.children[segment] = child
	}
	return child
}

// DisableChildLocks marks every child context created after this call as
// readonly. Used for hierarchies whose fine-grained levels are managed
// elsewhere (an index that does its own latching, say).
func (c *Context) DisableChildLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.childLocksDisabled = true
}

// NumChildLocks returns how many descendant contexts tx currently holds a
// lock on.
func (c *Context) NumChildLocks(tx *txn.Transaction) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numChildLocks[tx.GetTransNum()]
}

func (c *Context) addChildLock(txnNum int64) {
	for a := c.parent; a != nil; a = a.parent {
		a.mu.Lock()
		a.numChildLocks[txnNum]++
		a.mu.Unlock()
	}
}

func (c *Context) removeChildLock(txnNum int64) {
	for a := c.parent; a != nil; a = a.parent {
		a.mu.Lock()
		if a.numChildLocks[txnNum] > 1 {
			a.numChildLocks[txnNum]--
		} else {
			delete(a.numChildLocks, txnNum)
		}
		a.mu.Unlock()
	}
}

// ancestorHoldsSIX reports whether tx holds SIX at any strict ancestor of c.
func (c *Context) ancestorHoldsSIX(tx *txn.Transaction) bool {
	for a := c.parent; a != nil; a = a.parent {
		if c.hier.table.ModeHeldBy(tx, a.name) == SIX {
			return true
		}
	}
	return false
}

// Acquire takes mode on this context for tx, enforcing the multi-granularity
// discipline: the parent must hold a sufficient intent mode, and S/IS below
// an ancestor SIX is rejected as redundant (SIX already grants S there).
// Blocks until granted if the flat table cannot grant immediately.
func (c *Context) Acquire(tx *txn.Transaction, mode Mode) error {
	if c.readonly {
		return errReadonly(c.name)
	}
	if mode == NL {
		return errInvalidLock("cannot acquire NL on %s; use Release", c.name)
	}
	if c.parent != nil {
		parentMode := c.hier.table.ModeHeldBy(tx, c.parent.name)
		if !CanBeParentLock(parentMode, mode) {
			return errInvalidLock("parent of %s holds %s, insufficient for child %s",
				c.name, parentMode, mode)
		}
	}
	if (mode == S || mode == IS) && c.ancestorHoldsSIX(tx) {
		return errInvalidLock("%s under an ancestor SIX is redundant at %s", mode, c.name)
	}

	if err := c.hier.table.Acquire(tx, c.name, mode); err != nil {
		return err
	}
	c.addChildLock(tx.GetTransNum())
	return nil
}

// Release drops tx's lock on this context. Rejected while tx still holds
// locks on any descendant, so the intent-lock invariant never breaks
// bottom-up.
func (c *Context) Release(tx *txn.Transaction) error {
	if c.readonly {
		return errReadonly(c.name)
	}
	c.mu.Lock()
	held := c.numChildLocks[tx.GetTransNum()]
	c.mu.Unlock()
	if held > 0 {
		return errInvalidLock("cannot release %s: transaction %d still holds %d descendant locks",
			c.name, tx.GetTransNum(), held)
	}

	if err := c.hier.table.Release(tx, c.name); err != nil {
		return err
	}
	c.removeChildLock(tx.GetTransNum())
	return nil
}

// Promote upgrades tx's lock here to newMode. Beyond the flat table's
// substitutability rule, a promotion to SIX from IS/IX/S is allowed and
// atomically releases every descendant S/IS lock tx holds (they become
// redundant under the SIX).
func (c *Context) Promote(tx *txn.Transaction, newMode Mode) error {
	if c.readonly {
		return errReadonly(c.name)
	}

	held := c.hier.table.ModeHeldBy(tx, c.name)
	if held == NL {
		return errNoLockHeld(c.name, tx.GetTransNum())
	}
	if newMode == held {
		return errDuplicateLock(c.name, tx.GetTransNum())
	}

	sixSpecial := newMode == SIX && (held == IS || held == IX || held == S)
	if !Substitutable(newMode, held) && !sixSpecial {
		return errInvalidLock("promotion from %s to %s on %s is not substitutable",
			held, newMode, c.name)
	}
	if newMode == SIX && c.ancestorHoldsSIX(tx) {
		return errInvalidLock("SIX at %s is redundant under an ancestor SIX", c.name)
	}

	if newMode != SIX {
		return c.hier.table.Promote(tx, c.name, newMode)
	}

	// Promotion to SIX releases every descendant S/IS in the same atomic
	// step that installs the SIX.
	releaseSet := []ResourceName{c.name}
	var released []ResourceName
	for _, l := range c.hier.table.LocksOf(tx) {
		if !l.Resource.IsDescendantOf(c.name) {
			continue
		}
		if l.Mode == S || l.Mode == IS {
			releaseSet = append(releaseSet, l.Resource)
			released = append(released, l.Resource)
		}
	}

	if err := c.hier.table.AcquireAndRelease(tx, c.name, SIX, releaseSet); err != nil {
		return err
	}
	for _, r := range released {
		if rc := c.hier.contextFor(r); rc != nil {
			rc.removeChildLock(tx.GetTransNum())
		}
	}
	return nil
}

// Escalate collapses every lock tx holds on this context's descendants into
// a single coarse lock here: X if any descendant holds a write mode
// (X/IX/SIX), S otherwise. A no-op when already at S or X.
func (c *Context) Escalate(tx *txn.Transaction) error {
	if c.readonly {
		return errReadonly(c.name)
	}

	held := c.hier.table.ModeHeldBy(tx, c.name)
	if held == NL {
		return errNoLockHeld(c.name, tx.GetTransNum())
	}
	if held == S || held == X {
		return nil
	}

	target := S
	releaseSet := []ResourceName{c.name}
	var released []ResourceName
	for _, l := range c.hier.table.LocksOf(tx) {
		if !l.Resource.IsDescendantOf(c.name) {
			continue
		}
		if l.Mode == X || l.Mode == IX || l.Mode == SIX {
			target = X
		}
		releaseSet = append(releaseSet, l.Resource)
		released = append(released, l.Resource)
	}

	if err := c.hier.table.AcquireAndRelease(tx, c.name, target, releaseSet); err != nil {
		return err
	}
	for _, r := range released {
		if rc := c.hier.contextFor(r); rc != nil {
			rc.removeChildLock(tx.GetTransNum())
		}
	}
	return nil
}

// ExplicitMode returns the mode tx holds at exactly this context, or NL.
func (c *Context) ExplicitMode(tx *txn.Transaction) Mode {
	return c.hier.table.ModeHeldBy(tx, c.name)
}

// EffectiveMode returns the strongest mode tx implicitly holds at this
// context: the explicit mode if non-NL, otherwise derived from the nearest
// ancestor with an explicit mode. S and SIX ancestors grant S here, an X
// ancestor grants X; intent-only ancestors grant nothing.
func (c *Context) EffectiveMode(tx *txn.Transaction) Mode {
	explicit := c.hier.table.ModeHeldBy(tx, c.name)
	if explicit != NL {
		return explicit
	}
	for a := c.parent; a != nil; a = a.parent {
		m := c.hier.table.ModeHeldBy(tx, a.name)
		if m == NL {
			continue
		}
		switch m {
		case S, SIX:
			return S
		case X:
			return X
		default:
			return NL
		}
	}
	return NL
}
