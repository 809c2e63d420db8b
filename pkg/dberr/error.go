// Package dberr provides the structured error type shared by the lock
// manager and the recovery manager.
package dberr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory classifies errors by their nature and appropriate handling
// strategy.
type ErrorCategory int

const (
	// ErrCategoryConcurrency represents lock-protocol violations: duplicate
	// requests, promotions that aren't substitutable, releasing a context
	// that still has descendant locks.
	ErrCategoryConcurrency ErrorCategory = iota

	// ErrCategoryData represents corruption discovered while reading the
	// log: a bad record, a missing master record.
	ErrCategoryData

	// ErrCategorySystem represents everything else (I/O failures from the
	// buffer/disk manager collaborators).
	ErrCategorySystem
)

// Error codes for the lock protocol and log integrity. Recovery's fatal
// startup errors use ErrCategoryData with a descriptive code of their own.
const (
	CodeDuplicateLock = "DUPLICATE_LOCK_REQUEST"
	CodeNoLockHeld    = "NO_LOCK_HELD"
	CodeInvalidLock   = "INVALID_LOCK"
	CodeReadonly      = "READONLY_CONTEXT"
	CodeCorruptLog    = "CORRUPT_LOG_RECORD"
	CodeMissingMaster = "MISSING_MASTER_RECORD"
)

// DBError is a structured database error: a stable Code for programmatic
// matching, a Category for handling strategy, and the usual operation/
// component/cause context. The stack is captured by github.com/pkg/errors
// at construction time via errors.WithStack.
type DBError struct {
	Code      string
	Category  ErrorCategory
	Message   string
	Detail    string
	Operation string
	Component string
	cause     error
}

// New creates a DBError and attaches a captured stack trace.
func New(category ErrorCategory, code, message string) *DBError {
	return &DBError{
		Code:     code,
		Category: category,
		Message:  message,
		cause:    errors.WithStack(fmt.Errorf(message)),
	}
}

// Newf is New with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...any) *DBError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap wraps err with a code/operation/component, preserving err as the
// cause chain (via github.com/pkg/errors.Wrap, which captures a stack at the
// wrap site).
func Wrap(err error, code, operation, component string) *DBError {
	if err == nil {
		return nil
	}

	if dbErr, ok := err.(*DBError); ok {
		if dbErr.Operation == "" {
			dbErr.Operation = operation
		}
		if dbErr.Component == "" {
			dbErr.Component = component
		}
		return dbErr
	}

	return &DBError{
		Code:      code,
		Category:  ErrCategorySystem,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		cause:     errors.Wrap(err, operation),
	}
}

// Error implements the standard Go error interface:
// [CODE] Message: Detail (operation: Operation, component: Component)
func (e *DBError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Detail != "" {
		b.WriteString(fmt.Sprintf(": %s", e.Detail))
	}

	if e.Operation != "" {
		b.WriteString(fmt.Sprintf(" (operation: %s", e.Operation))
		if e.Component != "" {
			b.WriteString(fmt.Sprintf(", component: %s", e.Component))
		}
		b.WriteString(")")
	}

	return b.String()
}

// Unwrap enables errors.Is/errors.As chain traversal through the cause
// captured by github.com/pkg/errors.
func (e *DBError) Unwrap() error {
	return e.cause
}

// FormatStack renders the stack trace captured at construction time, if any.
func (e *DBError) FormatStack() string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	st, ok := e.cause.(stackTracer)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%+v", st.StackTrace())
}

// Is reports whether target is a *DBError with the same Code, so callers can
// write errors.Is(err, dberr.New(dberr.ErrCategoryConcurrency, dberr.CodeNoLockHeld, "")).
func (e *DBError) Is(target error) bool {
	other, ok := target.(*DBError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}
