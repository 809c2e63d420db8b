package lock

import (
	"fmt"

	"txnkernel/pkg/dberr"
)

func errDuplicateLock(resource ResourceName, txnNum int64) error {
	return dberr.Newf(dberr.ErrCategoryConcurrency, dberr.CodeDuplicateLock,
		"transaction %d already holds a lock on %s", txnNum, resource)
}

func errNoLockHeld(resource ResourceName, txnNum int64) error {
	return dberr.Newf(dberr.ErrCategoryConcurrency, dberr.CodeNoLockHeld,
		"transaction %d holds no lock on %s", txnNum, resource)
}

func errInvalidLock(format string, args ...any) error {
	return dberr.New(dberr.ErrCategoryConcurrency, dberr.CodeInvalidLock, fmt.Sprintf(format, args...))
}

func errReadonly(resource ResourceName) error {
	return dberr.Newf(dberr.ErrCategoryConcurrency, dberr.CodeReadonly,
		"context %s is readonly", resource)
}
