package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a line that is not a valid JSON event
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates an event whose checksum does not match
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrJournalClosed indicates the journal was used after Close
	ErrJournalClosed = errors.New("journal: already closed")
)

// ChecksumError carries details about a checksum failure
type ChecksumError struct {
	Line     int
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at line %d seq=%d (expected=0x%08x, got=0x%08x)",
		e.Line, e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError describes an unparsable line
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedJournal, e.Cause} }
