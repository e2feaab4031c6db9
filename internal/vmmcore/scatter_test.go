package vmmcore

import (
	"bytes"
	"context"
	"testing"

	"github.com/memscan/vmm/internal/transport"
)

func newTestContext(t *testing.T, size int) *Context {
	t.Helper()
	buf := make([]byte, size)
	dev := transport.NewMemDevice("test", buf)
	cfg := DefaultConfig()
	cfg.PhysCacheSize = 4
	cfg.TLBCacheSize = 4
	cfg.PagingCacheSize = 4
	return New(dev, IdentityModel{}, cfg)
}

func TestReadScatterPhysicalMissThenHit(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	if err := c.device.(*transport.MemDevice).WriteScatter(ctx, []*transport.ScatterRequest{{Addr: 0, Buf: page}}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	results := c.ReadScatterPhysical(ctx, []uint64{0}, 0)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("ReadScatterPhysical(0) = %+v", results)
	}
	if !bytes.Equal(results[0].Buf[:], page) {
		t.Fatalf("read page mismatch")
	}
	if c.stats.CacheMissPhys.Load() != 1 {
		t.Fatalf("cache miss counter = %d, want 1", c.stats.CacheMissPhys.Load())
	}

	results2 := c.ReadScatterPhysical(ctx, []uint64{0}, 0)
	if results2[0].Err != nil || !bytes.Equal(results2[0].Buf[:], page) {
		t.Fatalf("second read mismatch: %+v", results2[0])
	}
	if c.stats.CacheHitPhys.Load() != 1 {
		t.Fatalf("cache hit counter = %d, want 1", c.stats.CacheHitPhys.Load())
	}
}

func TestWriteScatterPhysicalInvalidatesCache(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	c.ReadScatterPhysical(ctx, []uint64{0}, 0) // warm the cache
	if !c.physCache.Exists(0) {
		t.Fatalf("page not cached after read")
	}

	var newPage [PageSize]byte
	for i := range newPage {
		newPage[i] = 0x7F
	}
	results := c.WriteScatterPhysical(ctx, []uint64{0}, [][PageSize]byte{newPage})
	if results[0].Err != nil {
		t.Fatalf("WriteScatterPhysical: %v", results[0].Err)
	}
	if c.physCache.Exists(0) {
		t.Fatalf("page still cached after write-through, want invalidated")
	}

	reread := c.ReadScatterPhysical(ctx, []uint64{0}, 0)
	if !bytes.Equal(reread[0].Buf[:], newPage[:]) {
		t.Fatalf("reread after write did not observe new contents")
	}
}

func TestReadScatterPhysicalOutOfBoundsZeroPad(t *testing.T) {
	c := newTestContext(t, 1*PageSize)
	defer c.Close()
	ctx := context.Background()

	results := c.ReadScatterPhysical(ctx, []uint64{10 * PageSize}, FlagZeroPadOnFail|FlagNoCache)
	if results[0].Err != nil {
		t.Fatalf("ReadScatterPhysical with FlagZeroPadOnFail returned error: %v", results[0].Err)
	}
	var zero [PageSize]byte
	if results[0].Buf != zero {
		t.Fatalf("expected zero-filled page on failed read")
	}
}

func TestReadWriteByteGranular(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	data := []byte("hello, memory")
	if err := c.Write(ctx, 0, PageSize-4, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := c.Read(ctx, 0, PageSize-4, len(data), 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read/Write round trip mismatch: got %q, want %q", got, data)
	}
}

func TestReadScatterVirtualIdentityModel(t *testing.T) {
	c := newTestContext(t, 2*PageSize)
	defer c.Close()
	ctx := context.Background()

	results := c.ReadScatterVirtual(ctx, 0, []uint64{0}, 0)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("ReadScatterVirtual = %+v", results)
	}
}

// pagedReplacementModel is a MemoryModel stub that reports every address
// as unmapped, then resolves the paged-read recovery to a different
// physical address instead of filling bytes directly — exercising
// spec.md §6's "&physicalReplacement" outcome.
type pagedReplacementModel struct {
	replacement uint64
}

func (m pagedReplacementModel) VirtToPhys(context.Context, uint64, uint64, Flags) (uint64, bool) {
	return 0, false
}

func (m pagedReplacementModel) PagedRead(context.Context, uint64, uint64) (PagedReadResult, error) {
	return PagedReadResult{PhysReplacement: m.replacement, HasReplacement: true}, nil
}

func (pagedReplacementModel) PTEMapInitialize(context.Context, uint64) error { return nil }

func (pagedReplacementModel) Phys2VirtGetInformation(context.Context, uint64) ([]VirtualHit, error) {
	return nil, nil
}

func (pagedReplacementModel) AttachPageTableReader(PageTableReader) {}

func (pagedReplacementModel) Close() error { return nil }

func TestReadScatterVirtualPagedReadPhysicalReplacement(t *testing.T) {
	buf := make([]byte, 4*PageSize)
	dev := transport.NewMemDevice("test", buf)
	cfg := DefaultConfig()
	cfg.PhysCacheSize = 4
	cfg.TLBCacheSize = 4
	cfg.PagingCacheSize = 4
	c := New(dev, pagedReplacementModel{replacement: PageSize}, cfg)
	defer c.Close()
	ctx := context.Background()

	var seed [PageSize]byte
	seed[0] = 0x99
	if wr := c.WriteScatterPhysical(ctx, []uint64{PageSize}, [][PageSize]byte{seed}); wr[0].Err != nil {
		t.Fatalf("seed write: %v", wr[0].Err)
	}

	results := c.ReadScatterVirtual(ctx, 0, []uint64{0x5000}, 0)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("ReadScatterVirtual = %+v", results)
	}
	if results[0].Addr != 0x5000 {
		t.Fatalf("result Addr = 0x%x, want 0x5000 (original virtual address)", results[0].Addr)
	}
	if results[0].Buf[0] != 0x99 {
		t.Fatalf("result Buf not routed through the replacement physical address")
	}
}

// directFillModel reports every address as unmapped and fills the
// decoded page directly rather than naming a physical replacement,
// exercising the other PagedReadResult outcome and the paging cache tier
// it populates.
type directFillModel struct {
	fill byte
}

func (m directFillModel) VirtToPhys(context.Context, uint64, uint64, Flags) (uint64, bool) {
	return 0, false
}

func (m directFillModel) PagedRead(context.Context, uint64, uint64) (PagedReadResult, error) {
	var data [PageSize]byte
	data[0] = m.fill
	return PagedReadResult{Data: data}, nil
}

func (directFillModel) PTEMapInitialize(context.Context, uint64) error { return nil }

func (directFillModel) Phys2VirtGetInformation(context.Context, uint64) ([]VirtualHit, error) {
	return nil, nil
}

func (directFillModel) AttachPageTableReader(PageTableReader) {}

func (directFillModel) Close() error { return nil }

func TestReadScatterVirtualPagedReadFillsPagingCache(t *testing.T) {
	buf := make([]byte, 4*PageSize)
	dev := transport.NewMemDevice("test", buf)
	cfg := DefaultConfig()
	cfg.PhysCacheSize = 4
	cfg.TLBCacheSize = 4
	cfg.PagingCacheSize = 4
	c := New(dev, directFillModel{fill: 0x55}, cfg)
	defer c.Close()
	ctx := context.Background()

	results := c.ReadScatterVirtual(ctx, 0, []uint64{0x9000}, 0)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("ReadScatterVirtual = %+v", results)
	}
	if results[0].Buf[0] != 0x55 {
		t.Fatalf("result Buf = %+v, want decoded fill byte", results[0].Buf[0])
	}
	if !c.pagingCache.Exists(0x9000) {
		t.Fatalf("decoded page should be cached in the paging tier, keyed by va")
	}

	// Second call must come from the paging cache, not the decoder again.
	results2 := c.ReadScatterVirtual(ctx, 0, []uint64{0x9000}, 0)
	if results2[0].Err != nil || results2[0].Buf[0] != 0x55 {
		t.Fatalf("ReadScatterVirtual (cached) = %+v", results2[0])
	}
	if c.stats.CacheHitPaging.Load() != 1 {
		t.Fatalf("CacheHitPaging = %d, want 1", c.stats.CacheHitPaging.Load())
	}
}

// TestWithReadaheadCapsAtSpeculativeMax exercises spec.md §8 S3: a single
// real miss must top up to exactly speculativeReadaheadMax total pages,
// never speculativeReadaheadMax *extra* pages on top of the real misses.
func TestWithReadaheadCapsAtSpeculativeMax(t *testing.T) {
	c := newTestContext(t, 64*PageSize)
	defer c.Close()

	out := c.withReadahead([]uint64{0x10000})
	if len(out) != speculativeReadaheadMax {
		t.Fatalf("withReadahead(1 miss) returned %d addresses, want %d", len(out), speculativeReadaheadMax)
	}
	if out[0] != 0x10000 {
		t.Fatalf("withReadahead(1 miss)[0] = 0x%x, want 0x10000", out[0])
	}
}

// TestWithReadaheadNoRoomLeavesMissesUntouched exercises the other S3
// boundary: a miss set already at (or past) the cap gets no readahead.
func TestWithReadaheadNoRoomLeavesMissesUntouched(t *testing.T) {
	c := newTestContext(t, 64*PageSize)
	defer c.Close()

	misses := make([]uint64, speculativeReadaheadMax)
	for i := range misses {
		misses[i] = uint64(i) * PageSize
	}
	out := c.withReadahead(misses)
	if len(out) != speculativeReadaheadMax {
		t.Fatalf("withReadahead(%d misses) returned %d addresses, want %d", len(misses), len(out), speculativeReadaheadMax)
	}
}
