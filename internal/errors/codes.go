package errors

import (
	"fmt"

	crdberrors "github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeEmptyKey        ErrorCode = 1004
	ErrCodeInvalidKey      ErrorCode = 1005
	ErrCodeTxnTooBig       ErrorCode = 1006
	ErrCodeReadOnlyTxn     ErrorCode = 1007
	ErrCodeDiscardedTxn    ErrorCode = 1008
	ErrCodeConflict        ErrorCode = 1009
	ErrCodeNoRewrite       ErrorCode = 1010

	// Server errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeIO              ErrorCode = 2001
	ErrCodeDiskFull        ErrorCode = 2002
	ErrCodeCommitLogFailed ErrorCode = 2004
	ErrCodeChecksumFailed  ErrorCode = 2006
	ErrCodeCorruptedData   ErrorCode = 2007
	ErrCodeClosed          ErrorCode = 2009
	ErrCodeRejected        ErrorCode = 2010
)

// Category groups codes into the engine's error taxonomy.
type Category string

const (
	CategoryNotFound   Category = "not_found"
	CategoryConflict   Category = "conflict"
	CategoryCorruption Category = "corruption"
	CategoryIO         Category = "io"
	CategoryCapacity   Category = "capacity"
	CategoryInvalid    Category = "invalid"
	CategoryInternal   Category = "internal"
)

// Category returns the taxonomy class of the code.
func (c ErrorCode) Category() Category {
	switch c {
	case ErrCodeKeyNotFound:
		return CategoryNotFound
	case ErrCodeConflict:
		return CategoryConflict
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return CategoryCorruption
	case ErrCodeIO, ErrCodeCommitLogFailed:
		return CategoryIO
	case ErrCodeKeyTooLarge, ErrCodeValueTooLarge, ErrCodeTxnTooBig, ErrCodeDiskFull:
		return CategoryCapacity
	case ErrCodeInvalidArgument, ErrCodeEmptyKey, ErrCodeInvalidKey,
		ErrCodeReadOnlyTxn, ErrCodeDiscardedTxn, ErrCodeNoRewrite:
		return CategoryInvalid
	default:
		return CategoryInternal
	}
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StorageError carrying the same code, so that
// errors.Is(err, ErrKeyNotFound) matches any key-not-found error.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

// GRPCStatus converts StorageError to a gRPC status. Servers embedding the
// engine can return engine errors directly from handlers.
func (e *StorageError) GRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge,
		ErrCodeEmptyKey, ErrCodeInvalidKey, ErrCodeTxnTooBig:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeConflict:
		return codes.Aborted
	case ErrCodeReadOnlyTxn, ErrCodeDiscardedTxn, ErrCodeNoRewrite:
		return codes.FailedPrecondition
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeClosed, ErrCodeRejected:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	if cause != nil {
		cause = crdberrors.WithStack(cause)
	}
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Sentinel values for errors.Is comparisons. They must not be mutated.
var (
	ErrKeyNotFound  = &StorageError{Code: ErrCodeKeyNotFound, Message: "key not found"}
	ErrConflict     = &StorageError{Code: ErrCodeConflict, Message: "transaction conflict, please retry"}
	ErrEmptyKey     = &StorageError{Code: ErrCodeEmptyKey, Message: "key cannot be empty"}
	ErrTxnTooBig    = &StorageError{Code: ErrCodeTxnTooBig, Message: "transaction too big"}
	ErrReadOnlyTxn  = &StorageError{Code: ErrCodeReadOnlyTxn, Message: "no sets or deletes are allowed in a read-only transaction"}
	ErrDiscardedTxn = &StorageError{Code: ErrCodeDiscardedTxn, Message: "this transaction has been discarded, create a new one"}
	ErrNoRewrite    = &StorageError{Code: ErrCodeNoRewrite, Message: "value log GC attempt didn't result in any cleanup"}
	ErrClosed       = &StorageError{Code: ErrCodeClosed, Message: "engine is closed"}
	ErrRejected     = &StorageError{Code: ErrCodeRejected, Message: "value log GC request rejected"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key []byte) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %q", key), nil).
		WithDetail("key", string(key))
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int64) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key []byte, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key %q: %s", key, reason), nil).
		WithDetail("key", string(key)).
		WithDetail("reason", reason)
}

func TxnTooBig(count, size int64) *StorageError {
	return NewStorageError(ErrCodeTxnTooBig, fmt.Sprintf("transaction too big: %d entries, %d bytes", count, size), nil).
		WithDetail("count", count).
		WithDetail("size", size)
}

func Conflict(readTs uint64) *StorageError {
	return NewStorageError(ErrCodeConflict, "transaction conflict, please retry", nil).
		WithDetail("read_ts", readTs)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func IOError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return crdberrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if crdberrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// GetCategory extracts the taxonomy class of an error
func GetCategory(err error) Category {
	return GetCode(err).Category()
}

func IsNotFound(err error) bool   { return GetCategory(err) == CategoryNotFound }
func IsConflict(err error) bool   { return GetCategory(err) == CategoryConflict }
func IsCorruption(err error) bool { return err != nil && GetCategory(err) == CategoryCorruption }
func IsIO(err error) bool         { return err != nil && GetCategory(err) == CategoryIO }
func IsCapacity(err error) bool   { return err != nil && GetCategory(err) == CategoryCapacity }
