package vmmcore

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/memscan/vmm/internal/transport"
)

// Config sizes the three cache tiers and the work pool a Context starts
// with. Zero fields fall back to DefaultConfig's values — the teacher's
// Default*Config() constructor convention (ConcurrencyConfig,
// MemoryPolicy).
type Config struct {
	PhysCacheSize   int64
	TLBCacheSize    int64
	PagingCacheSize int64
	WorkQueueDepth  int
}

// DefaultConfig returns sane tier sizes for an interactive session: a
// generous physical tier since most reads are sequential scans, a smaller
// TLB tier since page tables are reused heavily once resolved, and a
// modest paging tier since paged-out recovery is comparatively rare.
func DefaultConfig() Config {
	return Config{
		PhysCacheSize:   16384, // 64 MiB of pages
		TLBCacheSize:    4096,  // 16 MiB of pages
		PagingCacheSize: 2048,  // 8 MiB of pages
		WorkQueueDepth:  1024,
	}
}

// Stats exposes atomic counters for live diagnostics without locking,
// mirroring concurrency.go's ConcurrencyStats.
type Stats struct {
	CacheHitPhys    atomic.Uint64
	CacheHitTLB     atomic.Uint64
	CacheHitPaging  atomic.Uint64
	CacheMissPhys   atomic.Uint64
	PhysReadSuccess atomic.Uint64
	PhysReadFail    atomic.Uint64
	PhysWrite       atomic.Uint64
	PageTableReads  atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats safe to marshal or log.
type Snapshot struct {
	CacheHitPhys    uint64
	CacheHitTLB     uint64
	CacheHitPaging  uint64
	CacheMissPhys   uint64
	PhysReadSuccess uint64
	PhysReadFail    uint64
	PhysWrite       uint64
	PageTableReads  uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		CacheHitPhys:    s.CacheHitPhys.Load(),
		CacheHitTLB:     s.CacheHitTLB.Load(),
		CacheHitPaging:  s.CacheHitPaging.Load(),
		CacheMissPhys:   s.CacheMissPhys.Load(),
		PhysReadSuccess: s.PhysReadSuccess.Load(),
		PhysReadFail:    s.PhysReadFail.Load(),
		PhysWrite:       s.PhysWrite.Load(),
		PageTableReads:  s.PageTableReads.Load(),
	}
}

// Context is the top-level handle the rest of the repository drives: one
// per attached target, owning the three cache tiers, the work pool, the
// process table, and a session id for diagnostics — the memory-domain
// counterpart of the teacher's DB struct in db.go, which likewise owns
// every subsystem (catalog, WAL, MVCC manager, backend) behind one handle.
type Context struct {
	SessionID uuid.UUID

	device transport.Device
	model  MemoryModel

	physCache   *CacheTable
	tlbCache    *CacheTable
	pagingCache *CacheTable

	procs *ProcessTable
	pool  *WorkPool

	stats  Stats
	closed atomic.Bool
}

// New attaches a Context to device using model as the translator. Callers
// must call Close when done to release the work pool and device handle.
func New(device transport.Device, model MemoryModel, cfg Config) *Context {
	def := DefaultConfig()
	if cfg.PhysCacheSize == 0 {
		cfg.PhysCacheSize = def.PhysCacheSize
	}
	if cfg.TLBCacheSize == 0 {
		cfg.TLBCacheSize = def.TLBCacheSize
	}
	if cfg.PagingCacheSize == 0 {
		cfg.PagingCacheSize = def.PagingCacheSize
	}
	if cfg.WorkQueueDepth == 0 {
		cfg.WorkQueueDepth = def.WorkQueueDepth
	}
	c := &Context{
		SessionID:   uuid.New(),
		device:      device,
		model:       model,
		physCache:   NewCacheTable(TagPhys, cfg.PhysCacheSize),
		tlbCache:    NewCacheTable(TagTLB, cfg.TLBCacheSize),
		pagingCache: NewCacheTable(TagPaging, cfg.PagingCacheSize),
		procs:       NewProcessTable(),
		pool:        NewWorkPool(cfg.WorkQueueDepth),
	}
	model.AttachPageTableReader(c)
	return c
}

// Stats returns a live pointer to the context's counters.
func (c *Context) Stats() *Stats { return &c.stats }

// Processes returns the context's process table.
func (c *Context) Processes() *ProcessTable { return c.procs }

// Pool returns the context's work pool, for callers that want to fan work
// out themselves via ForEachPID.
func (c *Context) Pool() *WorkPool { return c.pool }

// Device returns the attached backing transport.
func (c *Context) Device() transport.Device { return c.device }

// Close tears the context down: closes every cache tier, stops the work
// pool, and closes both the memory model and the device. Close is
// idempotent.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.physCache.Close()
	c.tlbCache.Close()
	c.pagingCache.Close()
	c.pool.Close()
	var err error
	if e := c.model.Close(); e != nil {
		err = e
	}
	if e := c.device.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
