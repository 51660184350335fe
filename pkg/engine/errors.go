package engine

import "github.com/devrev/pairdb/storage-engine/internal/errors"

// Errors returned by the engine. Compare with errors.Is; returned errors
// carry details and may wrap a cause.
var (
	ErrKeyNotFound  = errors.ErrKeyNotFound
	ErrConflict     = errors.ErrConflict
	ErrEmptyKey     = errors.ErrEmptyKey
	ErrTxnTooBig    = errors.ErrTxnTooBig
	ErrReadOnlyTxn  = errors.ErrReadOnlyTxn
	ErrDiscardedTxn = errors.ErrDiscardedTxn
	ErrNoRewrite    = errors.ErrNoRewrite
	ErrRejected     = errors.ErrRejected
	ErrClosed       = errors.ErrClosed
)

// IsCorruption reports whether err signals damaged on-disk data.
func IsCorruption(err error) bool {
	return errors.IsCorruption(err)
}
