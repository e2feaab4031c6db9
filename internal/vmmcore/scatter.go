package vmmcore

import (
	"context"
	"fmt"

	"github.com/memscan/vmm/internal/transport"
)

// ReadScatterPhysical fills buf (len PageSize) for each of addrs from the
// physical cache tier, falling through to the device on a miss and
// speculatively reading ahead past the requested set so a follow-up
// sequential scan is more likely to hit cache (spec.md §4.3). Results are
// returned in the same order as addrs; a per-page failure is reported via
// ScatterResult.Err rather than aborting the whole call.
type ScatterResult struct {
	Addr uint64
	Buf  [PageSize]byte
	Err  error
}

// ReadScatterPhysical is the single entry point the rest of the engine
// (and, transitively, virtual reads) uses to pull physical pages.
func (c *Context) ReadScatterPhysical(ctx context.Context, addrs []uint64, flags Flags) []*ScatterResult {
	results := make([]*ScatterResult, len(addrs))
	var misses []uint64
	missIdx := map[uint64]int{}

	for i, addr := range addrs {
		results[i] = &ScatterResult{Addr: addr}
		if flags.Has(FlagNoCache) {
			misses = append(misses, addr)
			missIdx[addr] = i
			continue
		}
		if d := c.physCache.Get(addr); d != nil {
			results[i].Buf = d.buf
			d.Decref()
			c.stats.CacheHitPhys.Add(1)
			continue
		}
		c.stats.CacheMissPhys.Add(1)
		if flags.Has(FlagForceCacheRead) {
			results[i].Err = fmt.Errorf("%w: 0x%x not resident and FORCECACHE_READ set", ErrDeviceRead, addr)
			continue
		}
		misses = append(misses, addr)
		missIdx[addr] = i
	}

	if len(misses) == 0 {
		return results
	}

	fetchAddrs := misses
	if !flags.Has(FlagNoCache) {
		fetchAddrs = c.withReadahead(misses)
	}

	reqs := c.device.AllocScatter(fetchAddrs)
	if err := c.device.ReadScatter(ctx, reqs); err != nil {
		for _, idx := range missIdx {
			results[idx].Err = fmt.Errorf("%w: %v", ErrDeviceRead, err)
		}
		return results
	}

	for _, req := range reqs {
		idx, requested := missIdx[req.Addr]
		if req.Err != nil {
			c.stats.PhysReadFail.Add(1)
			if requested {
				if flags.Has(FlagZeroPadOnFail) {
					results[idx].Err = nil
				} else {
					results[idx].Err = fmt.Errorf("%w: 0x%x: %v", ErrDeviceRead, req.Addr, req.Err)
				}
			}
			continue
		}
		c.stats.PhysReadSuccess.Add(1)
		var page [PageSize]byte
		copy(page[:], req.Buf)
		if requested {
			results[idx].Buf = page
		}
		if !flags.Has(FlagNoCachePut) && !flags.Has(FlagNoCache) {
			c.insertPhys(req.Addr, page)
		}
	}
	return results
}

// withReadahead tops a miss set up to speculativeReadaheadMax total pages
// by fabricating sequential follow-on addresses not already requested, so
// a scan pattern warms the cache ahead of need (spec.md §4.3, §9). The cap
// applies to the whole batch, not just the fabricated addresses: a batch
// that already has speculativeReadaheadMax or more real misses gets no
// readahead at all (spec.md §8 S3's "never issues more than 24 descriptors
// per batch").
func (c *Context) withReadahead(misses []uint64) []uint64 {
	if len(misses) == 0 {
		return misses
	}
	seen := make(map[uint64]bool, speculativeReadaheadMax)
	out := make([]uint64, 0, speculativeReadaheadMax)
	for _, a := range misses {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	extra := speculativeReadaheadMax - len(out)
	if extra <= 0 {
		return out
	}
	last := misses[len(misses)-1]
	paMax := c.device.PAMax()
	for i := 0; i < extra; i++ {
		next := last + PageSize*uint64(i+1)
		if next > paMax || c.physCache.Exists(next) {
			break
		}
		if !seen[next] {
			seen[next] = true
			out = append(out, next)
		}
	}
	return out
}

func (c *Context) insertPhys(addr uint64, page [PageSize]byte) {
	d := c.physCache.Reserve(addr)
	if d == nil {
		return
	}
	d.buf = page
	c.physCache.ReserveReturn(d)
	d.Decref()
}

// insertPaging caches a page recovered by the paged-memory decoder,
// keyed by the virtual address it was decoded for (spec.md glossary
// "PAGING cache"): unlike a physical or page-table page, a paged-out
// page has no stable physical address of its own to key on.
func (c *Context) insertPaging(va uint64, page [PageSize]byte) {
	d := c.pagingCache.Reserve(va)
	if d == nil {
		return
	}
	d.buf = page
	c.pagingCache.ReserveReturn(d)
	d.Decref()
}

// WriteScatterPhysical writes pages directly to the device and
// invalidates any cached copies so subsequent reads observe the write
// (spec.md §4.3). There is no write-back caching tier: a write always
// reaches the device before this call returns.
func (c *Context) WriteScatterPhysical(ctx context.Context, addrs []uint64, pages [][PageSize]byte) []*ScatterResult {
	results := make([]*ScatterResult, len(addrs))
	reqs := make([]*transport.ScatterRequest, len(addrs))
	for i, addr := range addrs {
		results[i] = &ScatterResult{Addr: addr}
		buf := make([]byte, PageSize)
		copy(buf, pages[i][:])
		reqs[i] = &transport.ScatterRequest{Addr: addr, Buf: buf}
	}
	if err := c.device.WriteScatter(ctx, reqs); err != nil {
		for _, r := range results {
			r.Err = fmt.Errorf("%w: %v", ErrDeviceWrite, err)
		}
		return results
	}
	for i, req := range reqs {
		if req.Err != nil {
			results[i].Err = fmt.Errorf("%w: 0x%x: %v", ErrDeviceWrite, req.Addr, req.Err)
			continue
		}
		c.stats.PhysWrite.Add(1)
		c.physCache.Invalidate(req.Addr)
	}
	return results
}

// ReadScatterVirtual resolves each virtual address in the given process's
// address space to a physical page via the attached MemoryModel, then
// defers to ReadScatterPhysical for the actual transfer. Addresses that
// fail translation fall through to the paging tier unless FlagNoPaging is
// set.
func (c *Context) ReadScatterVirtual(ctx context.Context, dtb uint64, vas []uint64, flags Flags) []*ScatterResult {
	results := make([]*ScatterResult, len(vas))
	phys := make([]uint64, 0, len(vas))
	physIdx := make([]int, 0, len(vas))

	for i, va := range vas {
		pa, ok := c.model.VirtToPhys(ctx, dtb, va, flags)
		if !ok {
			if flags.Has(FlagNoPaging) {
				results[i] = &ScatterResult{Addr: va, Err: ErrNoTranslation}
				continue
			}
			if d := c.pagingCache.Get(va); d != nil {
				page := d.buf
				d.Decref()
				c.stats.CacheHitPaging.Add(1)
				results[i] = &ScatterResult{Addr: va, Buf: page}
				continue
			}
			pr, err := c.model.PagedRead(ctx, dtb, va)
			if err != nil {
				results[i] = &ScatterResult{Addr: va, Err: fmt.Errorf("%w: %v", ErrNoTranslation, err)}
				continue
			}
			if pr.HasReplacement {
				// The decoder resolved va to a different physical page
				// rather than filling it directly; route it back through
				// the ordinary physical cache/scatter path (spec.md §6
				// "&physicalReplacement"). The paging cache holds recovered
				// pages keyed by virtual address (spec.md glossary "PAGING
				// cache"), so a replacement — which already has a stable
				// physical address of its own — belongs in the physical
				// tier instead, not here.
				phys = append(phys, pr.PhysReplacement)
				physIdx = append(physIdx, i)
				continue
			}
			c.insertPaging(va, pr.Data)
			results[i] = &ScatterResult{Addr: va, Buf: pr.Data}
			continue
		}
		phys = append(phys, pa)
		physIdx = append(physIdx, i)
	}

	if len(phys) == 0 {
		return results
	}
	physResults := c.ReadScatterPhysical(ctx, phys, flags)
	for j, idx := range physIdx {
		r := physResults[j]
		r.Addr = vas[idx]
		results[idx] = r
	}
	return results
}

// WriteScatterVirtual is the virtual-address counterpart of
// WriteScatterPhysical: each va is translated then written through.
func (c *Context) WriteScatterVirtual(ctx context.Context, dtb uint64, vas []uint64, pages [][PageSize]byte, flags Flags) []*ScatterResult {
	results := make([]*ScatterResult, len(vas))
	phys := make([]uint64, 0, len(vas))
	physPages := make([][PageSize]byte, 0, len(vas))
	physIdx := make([]int, 0, len(vas))

	for i, va := range vas {
		pa, ok := c.model.VirtToPhys(ctx, dtb, va, flags)
		if !ok {
			results[i] = &ScatterResult{Addr: va, Err: ErrNoTranslation}
			continue
		}
		phys = append(phys, pa)
		physPages = append(physPages, pages[i])
		physIdx = append(physIdx, i)
	}
	if len(phys) == 0 {
		return results
	}
	physResults := c.WriteScatterPhysical(ctx, phys, physPages)
	for j, idx := range physIdx {
		r := physResults[j]
		r.Addr = vas[idx]
		results[idx] = r
	}
	return results
}

// Read is the byte-granular convenience wrapper over ReadScatterVirtual
// for callers that want an arbitrary, non-page-aligned span rather than a
// page list (spec.md §4.3 "read/write").
func (c *Context) Read(ctx context.Context, dtb uint64, va uint64, length int, flags Flags) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	start := va &^ (PageSize - 1)
	end := (va + uint64(length) + PageSize - 1) &^ (PageSize - 1)
	var pages []uint64
	for p := start; p < end; p += PageSize {
		pages = append(pages, p)
	}
	results := c.ReadScatterVirtual(ctx, dtb, pages, flags)
	out := make([]byte, length)
	for i, r := range results {
		pageStart := pages[i]
		if r.Err != nil {
			if !flags.Has(FlagZeroPadOnFail) {
				return nil, fmt.Errorf("read 0x%x: %w", pageStart, r.Err)
			}
			continue
		}
		lo := uint64(0)
		if pageStart < va {
			lo = va - pageStart
		}
		hi := uint64(PageSize)
		if pageStart+PageSize > va+uint64(length) {
			hi = va + uint64(length) - pageStart
		}
		copy(out[pageStart+lo-va:], r.Buf[lo:hi])
	}
	return out, nil
}

// Write is the byte-granular counterpart of Read. Partial-page writes are
// read-modify-write: the page is fetched, patched, then written back.
func (c *Context) Write(ctx context.Context, dtb uint64, va uint64, data []byte, flags Flags) error {
	if len(data) == 0 {
		return nil
	}
	start := va &^ (PageSize - 1)
	end := (va + uint64(len(data)) + PageSize - 1) &^ (PageSize - 1)
	var pages []uint64
	for p := start; p < end; p += PageSize {
		pages = append(pages, p)
	}
	reads := c.ReadScatterVirtual(ctx, dtb, pages, flags)
	patched := make([][PageSize]byte, len(pages))
	for i, r := range reads {
		if r.Err == nil {
			patched[i] = r.Buf
		}
	}
	for i, pageStart := range pages {
		lo := uint64(0)
		if pageStart < va {
			lo = va - pageStart
		}
		hi := uint64(PageSize)
		if pageStart+PageSize > va+uint64(len(data)) {
			hi = va + uint64(len(data)) - pageStart
		}
		copy(patched[i][lo:hi], data[pageStart+lo-va:])
	}
	results := c.WriteScatterVirtual(ctx, dtb, pages, patched, flags)
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
