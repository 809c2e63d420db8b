package lock

import "txnkernel/pkg/txn"

// EnsureSufficient makes tx's effective mode at ctx substitute req, issuing
// the minimum sequence of acquires, promotions, and escalations needed. req
// must be S, X, or NL; NL is trivially satisfied and returns immediately.
//
// This is the one entry point clients use; the Context methods it drives
// exist for its implementation and for tests.
func EnsureSufficient(tx *txn.Transaction, ctx *Context, req Mode) error {
	if req == NL {
		return nil
	}
	if req != S && req != X {
		return errInvalidLock("ensure-sufficient accepts S, X, or NL, not %s", req)
	}

	if Substitutable(ctx.EffectiveMode(tx), req) {
		return nil
	}

	explicit := ctx.ExplicitMode(tx)

	// An IX holder asking for S keeps its write intent: SIX is the only
	// mode granting both.
	if explicit == IX && req == S {
		return ctx.Promote(tx, SIX)
	}

	if IsIntent(explicit) {
		if err := ctx.Escalate(tx); err != nil {
			return err
		}
		if Substitutable(ctx.EffectiveMode(tx), req) {
			return nil
		}
		explicit = ctx.ExplicitMode(tx)
	}

	// explicit is NL or a non-intent mode too weak for req (S needing X).
	// Fix ancestors first so the promotion or acquire lands under a
	// sufficient intent chain.
	if err := ensureAncestorIntent(tx, ctx.Parent(), ParentLockOf(req)); err != nil {
		return err
	}
	if explicit == NL {
		return ctx.Acquire(tx, req)
	}
	return ctx.Promote(tx, req)
}

// ensureAncestorIntent walks to the root and back down, guaranteeing each
// ancestor holds at least needed (IS or IX). Ancestors already strong enough
// are untouched; IS is promoted to IX when IX is needed; an S ancestor
// needing IX is promoted to SIX so its read grant survives.
func ensureAncestorIntent(tx *txn.Transaction, ctx *Context, needed Mode) error {
	if ctx == nil {
		return nil
	}
	if err := ensureAncestorIntent(tx, ctx.Parent(), ParentLockOf(needed)); err != nil {
		return err
	}

	held := ctx.ExplicitMode(tx)
	if Substitutable(held, needed) {
		return nil
	}
	if held == NL {
		return ctx.Acquire(tx, needed)
	}
	if needed == IX && held == S {
		return ctx.Promote(tx, SIX)
	}
	return ctx.Promote(tx, needed)
}
