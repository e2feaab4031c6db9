package vmmcore

import "sync"

// PageSize is the native page granularity the cache and scatter pipeline
// operate on (spec.md §3 "Page descriptor").
const PageSize = 4096

// InvalidAddr is the tagged-address sentinel meaning "this descriptor does
// not currently hold a page" (spec.md §3).
const InvalidAddr uint64 = ^uint64(0)

// pageDescriptor is a single cached page: a 4KiB buffer plus the address it
// was read from, the refcounted header that governs its lifetime, and the
// intrusive links the owning region's bucket hash, MRU age list, and the
// table-wide empty/total stacks thread through it.
//
// A descriptor is never reallocated once created; it only ever moves
// between "in a bucket, holding page X" and "on the empty stack, holding
// nothing" (spec.md §4.1, §4.2).
type pageDescriptor struct {
	Object

	addr  uint64
	valid bool
	buf   [PageSize]byte

	owner  *CacheTable
	region int

	bucketPrev, bucketNext *pageDescriptor
	agePrev, ageNext       *pageDescriptor

	emptyNext *pageDescriptor
	totalNext *pageDescriptor
}

// reset clears a descriptor back to the empty state. Called only while the
// descriptor sits on the empty stack, never while it is live in a bucket.
func (d *pageDescriptor) reset() {
	d.addr = InvalidAddr
	d.valid = false
	d.bucketPrev, d.bucketNext = nil, nil
	d.agePrev, d.ageNext = nil, nil
}

// stack is the small LIFO intrusive singly-linked list used for the
// table-wide empty and total pools (spec.md §4.6 "aux stack"). It is
// mutex-guarded rather than lock-free CAS-based: the teacher codebase never
// reaches for lock-free data structures outside stdlib atomics, and a
// short critical section here costs nothing measurable next to a page
// copy or a device read.
type stack struct {
	mu   sync.Mutex
	head *pageDescriptor
	next func(*pageDescriptor) **pageDescriptor
	n    int64
}

func newStack(next func(*pageDescriptor) **pageDescriptor) *stack {
	return &stack{next: next}
}

func (s *stack) push(d *pageDescriptor) {
	s.mu.Lock()
	*s.next(d) = s.head
	s.head = d
	s.n++
	s.mu.Unlock()
}

func (s *stack) pop() *pageDescriptor {
	s.mu.Lock()
	d := s.head
	if d != nil {
		s.head = *s.next(d)
		*s.next(d) = nil
		s.n--
	}
	s.mu.Unlock()
	return d
}

func (s *stack) len() int64 {
	s.mu.Lock()
	n := s.n
	s.mu.Unlock()
	return n
}
