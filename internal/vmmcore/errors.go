package vmmcore

import "errors"

// Sentinel errors, matching the teacher's package-level var Err... style
// (internal/storage/mvcc.go's ErrTxNotActive, ErrRowNotFound) rather than
// ad-hoc fmt.Errorf strings at call sites.
var (
	// errPoolClosed is returned by Submit once the owning WorkPool has
	// been closed.
	errPoolClosed = errors.New("vmmcore: work pool closed")

	// ErrNoTranslation means VirtToPhys could not resolve an address —
	// not necessarily an error condition for the caller, but distinct
	// from a device I/O failure.
	ErrNoTranslation = errors.New("vmmcore: virtual address has no mapping")

	// ErrDeviceRead is returned when the backing Device failed to supply
	// one or more requested pages and FlagZeroPadOnFail was not set to
	// zero-fill them.
	ErrDeviceRead = errors.New("vmmcore: device read failed")

	// ErrDeviceWrite is returned when the backing Device rejected a
	// write.
	ErrDeviceWrite = errors.New("vmmcore: device write failed")

	// ErrProcessNotFound is returned by ProcessTable.Get/GetNext when no
	// live entry matches the requested PID.
	ErrProcessNotFound = errors.New("vmmcore: process not found")

	// ErrProcessTableFull is returned by CreateEntry when the
	// next-generation table has no free slot left.
	ErrProcessTableFull = errors.New("vmmcore: process table full")

	// ErrClosed reports that a Context has been closed. Close marks the
	// context closed, but Read, Write and the scatter operations do not
	// check that state and never return ErrClosed.
	ErrClosed = errors.New("vmmcore: context closed")
)
