package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a record in the middle of the log cannot be parsed.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a complete record whose content does not match its checksum.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates an operation on a closed WAL.
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed; the record may not be durable.
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError reports where in the file parsing failed.
type CorruptionError struct {
	Offset int64 // byte offset of the bad record
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedWAL, e.Cause} }
