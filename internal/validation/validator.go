package validation

import (
	"bytes"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/model"
)

const (
	// Size limits
	MaxKeySize    = 65000     // bounded by the u16 key length in table blocks
	MaxValueSize  = 1<<30 - 1 // 1 GB
	entryOverhead = 32        // meta, lengths, checksum, timestamp
)

// Validator validates entries at the API edge
type Validator struct {
	maxKeySize   int
	maxValueSize int64
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize int, maxValueSize int64) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateKey validates a user key for reads and writes
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errors.ErrEmptyKey
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	if bytes.HasPrefix(key, model.ReservedPrefix) {
		return errors.InvalidKey(key, "key uses the reserved prefix "+string(model.ReservedPrefix))
	}
	return nil
}

// ValidateValue validates a value size
func (v *Validator) ValidateValue(value []byte) error {
	if int64(len(value)) > v.maxValueSize {
		return errors.ValueTooLarge(int64(len(value)), v.maxValueSize)
	}
	return nil
}

// ValidateEntry validates a user entry before it is buffered in a transaction
func (v *Validator) ValidateEntry(e *model.Entry) error {
	if err := v.ValidateKey(e.Key); err != nil {
		return err
	}
	if err := v.ValidateValue(e.Value); err != nil {
		return err
	}
	if e.Meta&^model.BitDiscardEarlierVersions&^model.BitDelete != 0 {
		return errors.InvalidArgument("entry meta carries internal bits", nil).
			WithDetail("meta", e.Meta)
	}
	return nil
}

// EstimateWriteSize estimates the on-disk bytes an entry will consume
func EstimateWriteSize(e *model.Entry) uint64 {
	return uint64(len(e.Key) + len(e.Value) + entryOverhead)
}
