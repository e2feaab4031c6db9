// Package vmmcore implements the memory-access engine: the three-tier page
// cache, the scatter read/write pipeline, the process table, and the work
// pool that together expose a captured or live target's memory as an
// ordered, process-aware byte stream.
package vmmcore

import "sync/atomic"

// Tag identifies what kind of record an Object header is attached to. It
// doubles as the owning pool selector for cached pages (§3 "Page
// descriptor").
type Tag uint8

const (
	// TagPhys marks a page cached from an arbitrary physical read.
	TagPhys Tag = iota
	// TagTLB marks a page cached as a page-table page.
	TagTLB
	// TagPaging marks a page recovered from paged-out (non-resident) storage.
	TagPaging
	// TagProcess marks a live process object.
	TagProcess
	// TagProcessClone marks a shallow clone of a process object.
	TagProcessClone
)

// Destructor runs when an Object's refcount drops to zero. It is
// responsible for releasing whatever resources the concrete record holds.
type Destructor func()

// UnsharedHook runs instead of the destructor when the refcount transitions
// to exactly one and a hook is installed. This is the mechanism the page
// cache uses to recycle descriptors onto its empty list rather than
// freeing them (spec.md §4.1).
type UnsharedHook func()

// Object is the refcounted header every cached page, process, map, and
// container embeds. incref/decref are atomic; the destructor and unshared
// hook are plain closures captured at construction time, which lets each
// concrete type wire itself back in without a separate vtable.
type Object struct {
	tag     Tag
	refs    atomic.Int32
	destroy Destructor
	onOne   UnsharedHook
}

// Init sets up the embedded header with an initial refcount of 1. Callers
// construct the concrete record first (so closures can capture its
// pointer) and then call Init.
func (o *Object) Init(tag Tag, destroy Destructor, onOne UnsharedHook) {
	o.tag = tag
	o.destroy = destroy
	o.onOne = onOne
	o.refs.Store(1)
}

// Tag returns the record's tag.
func (o *Object) Tag() Tag { return o.tag }

// RefCount returns the current refcount. Intended for diagnostics and
// tests; the value may be stale the instant it is read.
func (o *Object) RefCount() int32 { return o.refs.Load() }

// Incref bumps the refcount. Safe to call concurrently from any holder.
func (o *Object) Incref() { o.refs.Add(1) }

// Decref drops the refcount by one. When it transitions to zero the
// destructor runs and the record is gone. When it transitions to exactly
// one and an unshared hook is installed, the hook runs instead — the
// record survives, just with a single (typically pool-owned) reference
// left.
func (o *Object) Decref() {
	n := o.refs.Add(-1)
	switch n {
	case 0:
		if o.destroy != nil {
			o.destroy()
		}
	case 1:
		if o.onOne != nil {
			o.onOne()
		}
	}
}
