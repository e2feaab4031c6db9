package vmmcore

import (
	"context"
	"fmt"
)

// cacheGetFromDeviceOnMiss is the shared two-tier lookup spec.md §4.3
// describes for page-table reads: check primary, and on a miss try to
// promote from secondary before ever touching the device. A promotion
// hit is copied into a freshly reserved primary descriptor rather than
// shared, since the two tiers hold independent descriptor lifetimes.
func (c *Context) cacheGetFromDeviceOnMiss(ctx context.Context, primary, secondary *CacheTable, addr uint64) ([PageSize]byte, error) {
	if d := primary.Get(addr); d != nil {
		page := d.buf
		d.Decref()
		return page, nil
	}

	d := primary.Reserve(addr)
	if d == nil {
		return [PageSize]byte{}, fmt.Errorf("%w: cache exhausted", ErrDeviceRead)
	}

	if secondary != nil {
		if sd := secondary.Get(addr); sd != nil {
			page := sd.buf
			sd.Decref()
			d.buf = page
			primary.ReserveReturn(d)
			d.Decref()
			return page, nil
		}
	}

	reqs := c.device.AllocScatter([]uint64{addr})
	if err := c.device.ReadScatter(ctx, reqs); err != nil {
		primary.ReserveDiscard(d)
		return [PageSize]byte{}, fmt.Errorf("%w: %v", ErrDeviceRead, err)
	}
	req := reqs[0]
	if req.Err != nil {
		primary.ReserveDiscard(d)
		return [PageSize]byte{}, fmt.Errorf("%w: 0x%x: %v", ErrDeviceRead, addr, req.Err)
	}

	var page [PageSize]byte
	copy(page[:], req.Buf)
	d.buf = page
	primary.ReserveReturn(d)
	d.Decref()
	return page, nil
}

// tlbGetPageTable reads the page-table page at physical address pa
// through the TLB cache tier, falling back to the physical cache tier as
// a promotion source and only then to the device (spec.md §4.3). When
// cacheOnly is set the lookup never falls through to the device — it is
// satisfied from whichever tier already has the page resident, or fails.
//
// verify is the memory model's page-table sanity check. A page that
// fails it is not invalidated: it represents real, resident bytes, just
// not a valid table for this particular caller, so it is simply not
// reported as ok (spec.md §4.3 "the descriptor is returned to the
// cache").
func (c *Context) tlbGetPageTable(ctx context.Context, pa uint64, cacheOnly bool, verify func([]byte) bool) ([PageSize]byte, bool) {
	if d := c.tlbCache.Get(pa); d != nil {
		page := d.buf
		d.Decref()
		c.stats.CacheHitTLB.Add(1)
		if verify != nil && !verify(page[:]) {
			return page, false
		}
		return page, true
	}

	if cacheOnly {
		if d := c.physCache.Get(pa); d != nil {
			page := d.buf
			d.Decref()
			if verify != nil && !verify(page[:]) {
				return page, false
			}
			return page, true
		}
		return [PageSize]byte{}, false
	}

	page, err := c.cacheGetFromDeviceOnMiss(ctx, c.tlbCache, c.physCache, pa)
	c.stats.PageTableReads.Add(1)
	if err != nil {
		return [PageSize]byte{}, false
	}
	if verify != nil && !verify(page[:]) {
		return page, false
	}
	return page, true
}

// TLBGetPageTable implements PageTableReader, letting an attached
// MemoryModel route its own page-table walk through this context's TLB
// cache tier instead of bypassing it with raw device reads.
func (c *Context) TLBGetPageTable(ctx context.Context, pa uint64, cacheOnly bool, verify func([]byte) bool) ([PageSize]byte, bool) {
	return c.tlbGetPageTable(ctx, pa, cacheOnly, verify)
}
