// Package dberr holds the sentinel errors shared across storage, bufferpool,
// lock, wal, txn and btree, following the teacher's errors.New("pkg: message")
// convention instead of per-package duplicated sentinels.
package dberr

import (
	"errors"
	"fmt"
)

var (
	ErrIO              = errors.New("dberr: I/O failure")
	ErrDuplicateKey    = errors.New("dberr: duplicate key")
	ErrNotFound        = errors.New("dberr: key not found")
	ErrDeadlock        = errors.New("dberr: deadlock detected")
	ErrTxnAborted      = errors.New("dberr: transaction aborted")
	ErrTableFull       = errors.New("dberr: table id limit exceeded")
	ErrBadTableName    = errors.New("dberr: table name must match DATA<n>")
	ErrOutOfOrder      = errors.New("dberr: non-transactional insert out of order")
	ErrClosed          = errors.New("dberr: handle already closed")
	ErrTableNotOpen    = errors.New("dberr: table is not open")
	ErrTxnNotFound     = errors.New("dberr: transaction id not found")
)

// Invariant panics with a formatted message. The lock/buffer-pool/log
// subsystems treat a broken invariant (e.g. every frame pinned on eviction)
// as a fatal programming error rather than a recoverable one, matching the
// "process is expected to abort" framing of the error-handling design: Go has
// no recoverable-vs-fatal error split at the type level, so the boundary is
// expressed as panic vs returned error instead.
func Invariant(format string, args ...any) {
	panic(invariantError{fmt.Sprintf(format, args...)})
}

type invariantError struct{ msg string }

func (e invariantError) Error() string { return "dberr: invariant violation: " + e.msg }
