package vmmcore

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Cache table shape constants (spec.md §3 "Cache table"). 17 regions
// spreads lock contention across a prime-ish number of independent shards;
// 2039 buckets per region is the teacher-observed sweet spot for a
// few-hundred-thousand-entry hash table without growing a reallocatable
// bucket array.
const (
	cacheRegions = 17
	cacheBuckets = 2039

	// speculativeReadaheadMax caps the total number of pages (real misses
	// plus fabricated follow-on pages) a single scatter read pulls from
	// the device when readahead applies (spec.md §9).
	speculativeReadaheadMax = 24

	// reserveRetryBudget is the number of immediate retries Reserve makes
	// after a failed pop whose reclaim found nothing to evict, before
	// falling back to the exhaustion backstop sleep.
	reserveRetryBudget = 2
)

// region is one independently-locked shard of a CacheTable: a bucket hash
// keyed by address, plus an age list in insertion order (head = oldest,
// tail = newest) that reclaim evicts from and Clear walks — insertion
// order, not access order, per spec.md §9's open question on aging (get()
// never promotes within the age list).
type region struct {
	mu      sync.Mutex
	buckets [cacheBuckets]*pageDescriptor
	ageHead *pageDescriptor
	ageTail *pageDescriptor
	count   int64
}

// CacheTable is one of the three cache tiers (physical, TLB/page-table, or
// paging) described in spec.md §3/§4.2. Each tier is an independent
// instance; nothing is shared between them except the pageDescriptor type
// and the Object refcounting convention.
type CacheTable struct {
	tag Tag

	regions [cacheRegions]*region

	empty *stack
	total *stack

	cTotal       atomic.Int64
	cEmpty       atomic.Int64
	iReclaimLast atomic.Uint32

	maxDescriptors int64

	hits   atomic.Uint64
	misses atomic.Uint64

	closed atomic.Bool
}

// NewCacheTable constructs one cache tier able to hold up to maxDescriptors
// resident pages. Descriptors are allocated lazily as Reserve is called,
// never all at once up front (spec.md §4.2: the table grows its total
// pool on demand, up to the cap).
func NewCacheTable(tag Tag, maxDescriptors int64) *CacheTable {
	ct := &CacheTable{tag: tag, maxDescriptors: maxDescriptors}
	for i := range ct.regions {
		ct.regions[i] = &region{}
	}
	ct.empty = newStack(func(d *pageDescriptor) **pageDescriptor { return &d.emptyNext })
	ct.total = newStack(func(d *pageDescriptor) **pageDescriptor { return &d.totalNext })
	return ct
}

func regionIndex(addr uint64) int { return int((addr >> 12) % cacheRegions) }
func bucketIndex(addr uint64) int { return int((addr >> 12) % cacheBuckets) }

// Close invalidates every resident page. The table is unusable afterward;
// callers must not call Get/Reserve again.
func (ct *CacheTable) Close() {
	ct.closed.Store(true)
	ct.Clear()
}

// Exists reports whether addr is resident without affecting refcount or
// age order.
func (ct *CacheTable) Exists(addr uint64) bool {
	r := ct.regions[regionIndex(addr)]
	r.mu.Lock()
	defer r.mu.Unlock()
	for d := r.buckets[bucketIndex(addr)]; d != nil; d = d.bucketNext {
		if d.addr == addr {
			return true
		}
	}
	return false
}

// Get returns the cached page for addr with an extra reference held on the
// caller's behalf, or nil if addr is not resident. Get never reorders the
// age list (spec.md §9: aging here is insertion-order, not access-order).
func (ct *CacheTable) Get(addr uint64) *pageDescriptor {
	r := ct.regions[regionIndex(addr)]
	r.mu.Lock()
	defer r.mu.Unlock()
	for d := r.buckets[bucketIndex(addr)]; d != nil; d = d.bucketNext {
		if d.addr == addr {
			d.Incref()
			ct.hits.Add(1)
			return d
		}
	}
	ct.misses.Add(1)
	return nil
}

// Reserve allocates a fresh descriptor for addr, not yet visible to Get.
// A descriptor pulled from the empty pool (or newly grown) always starts
// at refcount one — the table's permanent total-list ownership, held for
// as long as the descriptor exists at all. Reserve adds a second,
// caller-owned reference on top of that, so the returned descriptor
// carries refcount two: one for the table's total-list ownership, one for
// the caller — spec.md §9's "reserve refcount-of-2" design note. Callers
// must follow up with ReserveReturn (success) or ReserveDiscard (failure)
// exactly once.
func (ct *CacheTable) Reserve(addr uint64) *pageDescriptor {
	d := ct.popEmptyOrGrow()
	if d == nil {
		return nil
	}
	d.addr = addr
	d.valid = false
	d.Incref()
	return d
}

func (ct *CacheTable) popEmptyOrGrow() *pageDescriptor {
	for attempt := 0; ; attempt++ {
		if d := ct.empty.pop(); d != nil {
			ct.cEmpty.Add(-1)
			return d
		}
		if ct.cTotal.Load() < ct.maxDescriptors {
			d := ct.newDescriptor()
			ct.cTotal.Add(1)
			return d
		}
		if !ct.reclaim() {
			if attempt >= reserveRetryBudget {
				log.Printf("vmmcore: cache table tag=%d exhausted after %d reclaim attempts, backing off", ct.tag, attempt+1)
				time.Sleep(10 * time.Millisecond)
				attempt = 0
				continue
			}
		}
	}
}

func (ct *CacheTable) newDescriptor() *pageDescriptor {
	d := &pageDescriptor{owner: ct, addr: InvalidAddr}
	d.Object.Init(ct.tag, nil, func() { ct.onUnshared(d) })
	// ct.total keeps a permanent roster of every descriptor the table has
	// ever allocated, independent of the empty/bucket singly-linked lists
	// those descriptors move between; nothing pops it.
	ct.total.push(d)
	return d
}

// onUnshared runs when a descriptor's refcount drops to exactly one: the
// only reference left is the table's own total-list ownership, so no
// reader holds it and (if it was ever published) it is no longer indexed
// in any bucket. Rather than freeing the descriptor, the table resets it
// and returns it to the empty pool — the allocation lives on, ready for
// reuse by a future Reserve (spec.md §4.1's "refcount reaches one" hook;
// Go's GC makes an explicit free unnecessary once nothing references the
// descriptor, so there is no separate destroy path here).
func (ct *CacheTable) onUnshared(d *pageDescriptor) {
	d.reset()
	ct.empty.push(d)
	ct.cEmpty.Add(1)
}

// ReserveReturn makes a successfully-filled descriptor visible to Get. It
// adds the table's own bucket-membership reference on top of the two
// Reserve already established (total-list + caller), so the descriptor
// now carries three: total-list, caller, and bucket. The caller's own
// Decref (once it is done with the just-filled page) brings it back down
// to two — total-list plus bucket — the steady resident state.
func (ct *CacheTable) ReserveReturn(d *pageDescriptor) {
	d.Incref()
	d.valid = true
	d.region = regionIndex(d.addr)
	r := ct.regions[d.region]
	r.mu.Lock()
	bi := bucketIndex(d.addr)
	d.bucketNext = r.buckets[bi]
	if d.bucketNext != nil {
		d.bucketNext.bucketPrev = d
	}
	d.bucketPrev = nil
	r.buckets[bi] = d
	d.ageNext = nil
	d.agePrev = r.ageTail
	if r.ageTail != nil {
		r.ageTail.ageNext = d
	}
	r.ageTail = d
	if r.ageHead == nil {
		r.ageHead = d
	}
	r.count++
	r.mu.Unlock()
}

// ReserveDiscard abandons a reservation that failed to fill (device read
// error with no zero-fill requested): the descriptor goes straight back to
// empty without ever becoming visible, since ReserveReturn never ran and
// no other holder can exist yet. It bypasses the normal Decref path since
// there is no bucket-membership reference to unwind here.
func (ct *CacheTable) ReserveDiscard(d *pageDescriptor) {
	d.reset()
	d.Object.refs.Store(1)
	ct.empty.push(d)
	ct.cEmpty.Add(1)
}

func (ct *CacheTable) unlinkFromBucket(d *pageDescriptor) {
	r := ct.regions[d.region]
	r.mu.Lock()
	bi := bucketIndex(d.addr)
	if d.bucketPrev != nil {
		d.bucketPrev.bucketNext = d.bucketNext
	} else if r.buckets[bi] == d {
		r.buckets[bi] = d.bucketNext
	}
	if d.bucketNext != nil {
		d.bucketNext.bucketPrev = d.bucketPrev
	}
	if r.ageHead == d {
		r.ageHead = d.ageNext
	}
	if r.ageTail == d {
		r.ageTail = d.agePrev
	}
	if d.agePrev != nil {
		d.agePrev.ageNext = d.ageNext
	}
	if d.ageNext != nil {
		d.ageNext.agePrev = d.agePrev
	}
	r.count--
	r.mu.Unlock()
}

// Invalidate evicts addr if resident, dropping the table's own reference.
// Readers that still hold a Get()'d reference keep a valid, just
// no-longer-indexed, copy until they Decref it away.
func (ct *CacheTable) Invalidate(addr uint64) bool {
	r := ct.regions[regionIndex(addr)]
	r.mu.Lock()
	var found *pageDescriptor
	for d := r.buckets[bucketIndex(addr)]; d != nil; d = d.bucketNext {
		if d.addr == addr {
			found = d
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return false
	}
	ct.unlinkFromBucket(found)
	found.Decref()
	return true
}

// Clear evicts every resident page across all regions, dropping the
// table's bucket-membership reference on each. A page a reader still
// holds survives until that reader's own Decref, at which point it is
// recycled the same as any other eviction (spec.md §4.2 "clear").
func (ct *CacheTable) Clear() {
	for _, r := range ct.regions {
		r.mu.Lock()
		var victims []*pageDescriptor
		for d := r.ageHead; d != nil; d = d.ageNext {
			victims = append(victims, d)
		}
		r.ageHead, r.ageTail = nil, nil
		for bi := range r.buckets {
			r.buckets[bi] = nil
		}
		r.count = 0
		r.mu.Unlock()
		for _, d := range victims {
			d.bucketPrev, d.bucketNext = nil, nil
			d.agePrev, d.ageNext = nil, nil
			d.Decref()
		}
	}
}

// reclaim walks one region in rotor order and evicts its oldest
// (insertion-order head, not access-order) descriptor to make room for a
// new Reserve. Returns false if no region had anything resident to evict.
// The evicted descriptor only actually returns to the empty pool once
// every other holder (an active reader) has also released it; reclaim
// only needs to drop the table's own bucket reference.
func (ct *CacheTable) reclaim() bool {
	start := ct.iReclaimLast.Add(1) - 1
	for i := 0; i < cacheRegions; i++ {
		idx := int((start + uint32(i)) % cacheRegions)
		r := ct.regions[idx]
		r.mu.Lock()
		victim := r.ageHead
		r.mu.Unlock()
		if victim == nil {
			continue
		}
		ct.unlinkFromBucket(victim)
		victim.Decref()
		return true
	}
	return false
}

// Stats reports current occupancy and hit/miss counters for diagnostics.
type CacheStats struct {
	Tag      Tag
	Total    int64
	Empty    int64
	Hits     uint64
	Misses   uint64
	Capacity int64
}

func (ct *CacheTable) Stats() CacheStats {
	return CacheStats{
		Tag:      ct.tag,
		Total:    ct.cTotal.Load(),
		Empty:    ct.cEmpty.Load(),
		Hits:     ct.hits.Load(),
		Misses:   ct.misses.Load(),
		Capacity: ct.maxDescriptors,
	}
}
