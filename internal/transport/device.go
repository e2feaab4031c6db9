// Package transport provides the backing-store abstraction the core engine
// reads and writes through: a Device is whatever physical address space is
// being examined, whether a live target, an acquired RAM image, or an
// in-memory fixture built for tests. Nothing in internal/vmmcore branches on
// which concrete Device is attached (spec.md §6 "External interfaces").
package transport

import "context"

// ScatterRequest names one page (by physical address) to read or write.
// Buf is always exactly PageSize bytes, supplied by the caller; a Device
// implementation fills it (read) or consumes it (write) in place.
type ScatterRequest struct {
	Addr uint64
	Buf  []byte
	Err  error
}

// DeviceInfo is the human-readable description of an attached target,
// surfaced through the daemon's status diagnostics (SPEC_FULL.md's
// "Device capability surface" addition).
type DeviceInfo struct {
	Name    string
	MaxAddr uint64
}

// Device is the backing transport every vmmcore.Context is attached to.
// Implementations batch-process a slice of requests in one call so a
// single device round trip (syscall, RPC, file seek) can serve many pages
// at once — the same batching shape as the original scatter/gather design
// (spec.md §6).
type Device interface {
	// ReadScatter fills Buf for every request it can satisfy and sets Err
	// on the ones it cannot; it never returns early on a per-page miss.
	ReadScatter(ctx context.Context, reqs []*ScatterRequest) error

	// WriteScatter writes Buf back for every request it can satisfy and
	// sets Err on the ones it cannot.
	WriteScatter(ctx context.Context, reqs []*ScatterRequest) error

	// AllocScatter returns freshly zeroed ScatterRequest buffers for the
	// given addresses, ready to be filled by ReadScatter.
	AllocScatter(addrs []uint64) []*ScatterRequest

	// PAMax reports the highest valid physical address, i.e. the size of
	// the address space in bytes minus one.
	PAMax() uint64

	// Info describes the attached target for diagnostics and audit.
	Info() DeviceInfo

	// Close releases whatever handle or file descriptor backs the
	// device.
	Close() error
}
