package aof

// ============================================================================
// AOF Error Definitions
// Purpose: errors raised while decoding or appending command log records
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates the log does not follow the record format.
	ErrCorrupted = errors.New("aof: log is corrupted")

	// ErrWriterClosed indicates an append on a closed Writer.
	ErrWriterClosed = errors.New("aof: writer closed")
)

// CorruptionError describes where decoding failed.
type CorruptionError struct {
	Record int64 // index of the record being decoded
	Offset int64 // byte offset in the stream
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("aof: corrupted record %d at offset %d: %v", e.Record, e.Offset, e.Cause)
}

// Unwrap exposes both ErrCorrupted and the underlying cause to errors.Is.
func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorrupted, e.Cause}
}
