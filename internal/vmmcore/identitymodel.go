package vmmcore

import "context"

// IdentityModel is a MemoryModel that treats every virtual address as
// already physical — the degenerate but entirely real case of a flat
// physical-memory image (or a device with no paging/virtual layer to
// speak of), and the model tests attach when only the cache/scatter
// machinery is under test, not a real page-table walker.
type IdentityModel struct{}

func (IdentityModel) VirtToPhys(_ context.Context, _ uint64, va uint64, _ Flags) (uint64, bool) {
	return va, true
}

func (IdentityModel) PagedRead(_ context.Context, _ uint64, _ uint64) (PagedReadResult, error) {
	return PagedReadResult{}, ErrNoTranslation
}

func (IdentityModel) PTEMapInitialize(_ context.Context, _ uint64) error { return nil }

func (IdentityModel) Phys2VirtGetInformation(_ context.Context, pa uint64) ([]VirtualHit, error) {
	return []VirtualHit{{PID: 0, VA: pa}}, nil
}

// AttachPageTableReader is a no-op: IdentityModel has no page-table
// concept of its own, since every virtual address already is physical.
func (IdentityModel) AttachPageTableReader(PageTableReader) {}

func (IdentityModel) Close() error { return nil }
