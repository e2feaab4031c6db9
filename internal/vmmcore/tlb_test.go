package vmmcore

import (
	"bytes"
	"context"
	"testing"
)

func TestTLBGetPageTableMissReadsThroughDevice(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	var seed [PageSize]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	results := c.WriteScatterPhysical(ctx, []uint64{PageSize}, [][PageSize]byte{seed})
	if results[0].Err != nil {
		t.Fatalf("seed write: %v", results[0].Err)
	}

	page, ok := c.tlbGetPageTable(ctx, PageSize, false, nil)
	if !ok {
		t.Fatalf("tlbGetPageTable miss path failed")
	}
	if !bytes.Equal(page[:], seed[:]) {
		t.Fatalf("tlbGetPageTable returned wrong bytes")
	}
	if c.stats.PageTableReads.Load() != 1 {
		t.Fatalf("PageTableReads = %d, want 1", c.stats.PageTableReads.Load())
	}

	// Second call should be a TLB cache hit, not another device read.
	page2, ok := c.tlbGetPageTable(ctx, PageSize, false, nil)
	if !ok || !bytes.Equal(page2[:], seed[:]) {
		t.Fatalf("tlbGetPageTable hit path = %+v, %v", page2, ok)
	}
	if c.stats.CacheHitTLB.Load() != 1 {
		t.Fatalf("CacheHitTLB = %d, want 1", c.stats.CacheHitTLB.Load())
	}
	if c.stats.PageTableReads.Load() != 1 {
		t.Fatalf("PageTableReads after hit = %d, want still 1", c.stats.PageTableReads.Load())
	}
}

func TestTLBGetPageTablePromotesFromPhysCache(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	var seed [PageSize]byte
	seed[0] = 0xAB
	results := c.WriteScatterPhysical(ctx, []uint64{0}, [][PageSize]byte{seed})
	if results[0].Err != nil {
		t.Fatalf("seed write: %v", results[0].Err)
	}
	// Warm the physical cache tier (distinct from the TLB tier) so the TLB
	// lookup can promote from it instead of hitting the device.
	phys := c.ReadScatterPhysical(ctx, []uint64{0}, 0)
	if phys[0].Err != nil {
		t.Fatalf("warm physCache: %v", phys[0].Err)
	}
	if !c.physCache.Exists(0) {
		t.Fatalf("physCache should be warmed")
	}

	page, ok := c.tlbGetPageTable(ctx, 0, false, nil)
	if !ok {
		t.Fatalf("tlbGetPageTable promotion path failed")
	}
	if page[0] != 0xAB {
		t.Fatalf("tlbGetPageTable promoted wrong bytes")
	}
	if !c.tlbCache.Exists(0) {
		t.Fatalf("tlbCache should now hold the promoted page")
	}
}

func TestTLBGetPageTableCacheOnlyMissesWithoutDeviceRead(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	var seed [PageSize]byte
	seed[0] = 0x42
	results := c.WriteScatterPhysical(ctx, []uint64{0}, [][PageSize]byte{seed})
	if results[0].Err != nil {
		t.Fatalf("seed write: %v", results[0].Err)
	}

	// Neither cache tier has warmed page 0 yet; cacheOnly must fail rather
	// than falling through to the device.
	if _, ok := c.tlbGetPageTable(ctx, 0, true, nil); ok {
		t.Fatalf("cacheOnly lookup unexpectedly succeeded on a cold cache")
	}
	if c.stats.PageTableReads.Load() != 0 {
		t.Fatalf("PageTableReads = %d, want 0 for a cacheOnly miss", c.stats.PageTableReads.Load())
	}
}

func TestTLBGetPageTableVerifyFailureDoesNotInvalidate(t *testing.T) {
	c := newTestContext(t, 4*PageSize)
	defer c.Close()
	ctx := context.Background()

	var seed [PageSize]byte
	seed[0] = 0x01
	results := c.WriteScatterPhysical(ctx, []uint64{0}, [][PageSize]byte{seed})
	if results[0].Err != nil {
		t.Fatalf("seed write: %v", results[0].Err)
	}

	alwaysFail := func([]byte) bool { return false }
	page, ok := c.tlbGetPageTable(ctx, 0, false, alwaysFail)
	if ok {
		t.Fatalf("tlbGetPageTable should report failure when verify rejects the page")
	}
	if page[0] != 0x01 {
		t.Fatalf("tlbGetPageTable should still return the resident bytes on verify failure")
	}
	if !c.tlbCache.Exists(0) {
		t.Fatalf("a verify failure must not invalidate the cache entry")
	}
}

func TestCacheGetFromDeviceOnMissDeviceFailureDiscardsReservation(t *testing.T) {
	c := newTestContext(t, 1*PageSize)
	defer c.Close()
	ctx := context.Background()

	// Address well past the backing device's single page: the device read
	// fails, and the reservation must be discarded rather than leaking.
	if _, err := c.cacheGetFromDeviceOnMiss(ctx, c.tlbCache, c.physCache, 10*PageSize); err == nil {
		t.Fatalf("expected an error for an out-of-bounds device read")
	}
	if c.tlbCache.Exists(10 * PageSize) {
		t.Fatalf("a failed reservation must not remain resident")
	}
}
