package vmmcore

import "context"

// Flags modify a single scatter read or write call (spec.md §6 "Flags").
// They are a bitmask so a caller can combine them, matching the teacher's
// WorkType-as-small-enum convention but widened to a bitset since several
// of these are independent and combinable.
type Flags uint32

const (
	// FlagNoCache bypasses the cache entirely: pages are read straight
	// from the device and never looked up or inserted.
	FlagNoCache Flags = 1 << iota
	// FlagNoCachePut reads through the cache but never inserts results
	// back into it — useful for scans expected to touch each page once.
	FlagNoCachePut
	// FlagForceCacheRead fails a read outright on a cache miss rather
	// than falling through to the device.
	FlagForceCacheRead
	// FlagNoPaging skips the paging-tier fallback for addresses that
	// fail translation. A failed physical readback never falls back to
	// the paging tier, with or without this flag.
	FlagNoPaging
	// FlagZeroPadOnFail zero-fills a page's buffer (rather than failing
	// the whole scatter call) when that one page could not be read.
	FlagZeroPadOnFail
	// FlagAltAddrVAPTE interprets the supplied virtual address as
	// already being a PTE-relative address, skipping one translation
	// step.
	FlagAltAddrVAPTE
	// FlagProcessShowTerminated includes terminated (not just live)
	// processes in process-table enumeration.
	FlagProcessShowTerminated
	// FlagProcessToken names a request for the token sub-record to be
	// resolved on lookup. ProcessTable.Get takes no flags and does not
	// consult it; a token is resolved only by ProcessTable.TokenEnsure.
	FlagProcessToken
)

// Has reports whether f includes every bit set in want.
func (f Flags) Has(want Flags) bool { return f&want == want }

// pidSpaceCloneWithKernelMemory marks a PID-space slot as belonging to a
// clone whose mappings include kernel-space ranges (spec.md §6), encoded
// as a high bit of the PID-space identifier rather than a Flags bit since
// it tags a process slot, not a single call.
const pidSpaceCloneWithKernelMemory = 1 << 31

// PagedReadResult is the outcome of a paged-memory decode attempt
// (spec.md §6 "pagedRead"). Exactly one of the two outcomes applies: the
// decoder either filled Data directly (a transition/prototype PTE
// resolved to another resident page), or it determined the page must be
// read from a different physical address through the ordinary physical
// pipeline, in which case HasReplacement is true and PhysReplacement
// names that address.
type PagedReadResult struct {
	Data            [PageSize]byte
	PhysReplacement uint64
	HasReplacement  bool
}

// PageTableReader is the narrow callback a Context hands to its attached
// MemoryModel so the model's own page-table walk can read PTE pages
// through the core's TLB cache (falling back to the physical cache as a
// promotion source) instead of bypassing the cache tiers with raw device
// reads (spec.md §4.3's cacheGetFromDeviceOnMiss/tlbGetPageTable
// contract, §6's "virtToPhys ... may consult the TLB cache internally").
type PageTableReader interface {
	// TLBGetPageTable returns the verified page-table page at physical
	// address pa. verify, if non-nil, is the model-specific page-table
	// sanity check; a page that fails verification is still released
	// back to the cache (it represents real bytes, just not a valid
	// table) and ok is false. cacheOnly restricts the lookup to the
	// cache tiers, never falling through to the device.
	TLBGetPageTable(ctx context.Context, pa uint64, cacheOnly bool, verify func([]byte) bool) (page [PageSize]byte, ok bool)
}

// MemoryModel is the pluggable virtual-memory translator a Context is
// attached to. Exactly one implementation is active at a time; vmmcore
// never branches on which concrete model is in use, matching how
// storage_backend.go's StorageBackend keeps the engine agnostic of the
// concrete backend (spec.md §6 "External interfaces").
type MemoryModel interface {
	// VirtToPhys resolves a virtual address in the given process's
	// address space (identified by its DTB root) to a physical address.
	// ok is false when the address is unmapped or the translation walk
	// itself failed.
	VirtToPhys(ctx context.Context, dtb uint64, va uint64, flags Flags) (pa uint64, ok bool)

	// PagedRead recovers a page that VirtToPhys reported as paged-out
	// (swapped, compressed, or mapped to a file) rather than resident.
	PagedRead(ctx context.Context, dtb uint64, va uint64) (PagedReadResult, error)

	// PTEMapInitialize prepares whatever per-process translation state
	// the model needs (e.g. walking the top-level page table) before the
	// first VirtToPhys call for a process.
	PTEMapInitialize(ctx context.Context, dtb uint64) error

	// Phys2VirtGetInformation performs the reverse lookup: given a
	// physical address, finds virtual addresses across the live process
	// set that map to it.
	Phys2VirtGetInformation(ctx context.Context, pa uint64) ([]VirtualHit, error)

	// AttachPageTableReader is called once, at Context construction,
	// with a PageTableReader backed by the core's TLB/physical cache
	// tiers. A model with its own page-table walker should route its PTE
	// page reads through it; a model with no page-table concept (e.g. a
	// flat physical mapping) may ignore it.
	AttachPageTableReader(PageTableReader)

	// Close releases any resources the model holds, e.g. an open
	// snapshot handle.
	Close() error
}

// VirtualHit is one process/virtual-address pair that maps to a queried
// physical address.
type VirtualHit struct {
	PID uint32
	VA  uint64
}
