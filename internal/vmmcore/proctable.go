package vmmcore

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// processTableSlots bounds how many concurrent process entries a single
// generation can hold (spec.md §3 "Process table"). It is a slot-count
// cap, not a PID value limit — PIDs are hashed into the array the same
// way cache addresses are hashed into cache buckets.
const processTableSlots = 4096

// ProcessState distinguishes a live entry from one the table is keeping
// around only because a caller asked to see recently-terminated processes
// too (spec.md's PROCESS_SHOW_TERMINATED flag).
type ProcessState uint8

const (
	ProcessStateAlive ProcessState = iota
	ProcessStateTerminated
)

// ProcessToken is the lazily-resolved security/identity sub-record for a
// process (spec.md §3 "token sub-record"). Resolving it is comparatively
// expensive (it requires its own translation walk), so it is only
// populated on first access; resolution is serialized by the table's
// single master lock — deliberately coarse, since token resolution is
// rare next to ordinary reads.
type ProcessToken struct {
	SID        string
	Privileges uint64
}

// ProcessMap holds the per-process translation working set the memory
// model caches between calls (spec.md §3 "Map substructure") — kept on
// the Process record itself so a MemoryModel implementation never needs
// its own process-keyed side table.
type ProcessMap struct {
	VADBase uint64
	PTEBase uint64
}

// ProcessPersistent carries fields that survive a table refresh across
// generations for the same PID (spec.md §3 "pObPersistent"): anything a
// caller attached to a process that should not be lost just because the
// table rebuilt its snapshot.
type ProcessPersistent struct {
	mu   sync.Mutex
	Tags map[string]string
}

// Process is one entry in the process table. It embeds Object so the
// refcount discipline (Incref on every Get, Decref when a caller is done)
// applies uniformly with cached pages.
type Process struct {
	Object

	PID       uint32
	ParentPID uint32
	State     ProcessState
	Name      string

	DTB     uint64
	UserDTB uint64
	// UserOnly marks a process whose address space the model should not
	// resolve kernel-space mappings for (spec.md §6 flags row).
	UserOnly bool

	Map ProcessMap

	Persistent *ProcessPersistent

	// CloneParent is set when this entry is a shallow clone created to
	// let a caller hold a stable snapshot of a process object across a
	// refresh; it points back at the live entry the clone was taken from.
	CloneParent *Process

	tokenMu sync.Mutex
	token   *ProcessToken
}

// procGeneration is one complete snapshot of the process table: the
// open-addressed array (_M), the bucket-probe rotor (_iFLinkM), and
// occupancy counters.
type procGeneration struct {
	m           [processTableSlots]*Process
	iFLinkM     int
	count       int
	countActive int
}

func slotIndex(pid uint32) int { return int(pid) % processTableSlots }

// ProcessTable is the generational process directory (spec.md §4.4): a
// live generation readers consult under a shared read lock, and a
// next-generation being assembled by a refresh, swapped in atomically by
// CreateFinish. Grounded on mvcc.go's MVCCManager, which holds the same
// shape — a current generation readers see and a mutex-guarded build
// phase that becomes current in one atomic step.
type ProcessTable struct {
	mu  sync.RWMutex
	gen uint64

	live *procGeneration
	next *procGeneration

	persistent map[uint32]*ProcessPersistent

	tokenMasterMu sync.Mutex

	GenerationID uuid.UUID
}

// NewProcessTable returns an empty table with generation 0 already live.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		live:         &procGeneration{},
		persistent:   make(map[uint32]*ProcessPersistent),
		GenerationID: uuid.New(),
	}
}

// Generation returns the current generation number, incremented by every
// successful CreateFinish.
func (pt *ProcessTable) Generation() uint64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.gen
}

// Get returns the live entry for pid with an extra reference held for the
// caller, or ErrProcessNotFound. Callers must Decref when done.
func (pt *ProcessTable) Get(pid uint32) (*Process, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p := pt.probe(pt.live, pid)
	if p == nil {
		return nil, ErrProcessNotFound
	}
	p.Incref()
	return p, nil
}

func (pt *ProcessTable) probe(g *procGeneration, pid uint32) *Process {
	start := slotIndex(pid)
	for i := 0; i < processTableSlots; i++ {
		idx := (start + i) % processTableSlots
		p := g.m[idx]
		if p == nil {
			return nil
		}
		if p.PID == pid {
			return p
		}
	}
	return nil
}

// GetNext returns the first live entry with a PID strictly greater than
// pid, in ascending PID order — the table-walk primitive for enumeration
// callers (spec.md §4.4 "getNext"). ListPIDs scans the table directly and
// does not use it.
func (pt *ProcessTable) GetNext(pid uint32, flags Flags) (*Process, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var best *Process
	for _, p := range pt.live.m {
		if p == nil {
			continue
		}
		if p.State == ProcessStateTerminated && !flags.Has(FlagProcessShowTerminated) {
			continue
		}
		if p.PID <= pid {
			continue
		}
		if best == nil || p.PID < best.PID {
			best = p
		}
	}
	if best == nil {
		return nil, ErrProcessNotFound
	}
	best.Incref()
	return best, nil
}

// ListPIDs returns every live PID in ascending order.
func (pt *ProcessTable) ListPIDs(flags Flags) []uint32 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	pids := make([]uint32, 0, pt.live.count)
	for _, p := range pt.live.m {
		if p == nil {
			continue
		}
		if p.State == ProcessStateTerminated && !flags.Has(FlagProcessShowTerminated) {
			continue
		}
		pids = append(pids, p.PID)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// BeginRefresh starts assembling a new generation. Callers populate it
// with CreateEntry calls and finish with CreateFinish; until CreateFinish
// runs, Get/GetNext/ListPIDs continue to observe the prior generation
// unchanged (spec.md §4.4's atomic live/next swap).
func (pt *ProcessTable) BeginRefresh() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.next = &procGeneration{}
}

// CreateEntry inserts a process into the generation under construction.
// It must follow a BeginRefresh and precede the matching CreateFinish.
// When pid already existed in the previous live generation, its
// ProcessPersistent record is carried forward unchanged.
func (pt *ProcessTable) CreateEntry(pid, parentPID uint32, dtb uint64, name string) (*Process, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.next == nil {
		pt.next = &procGeneration{}
	}
	start := slotIndex(pid)
	idx := -1
	for i := 0; i < processTableSlots; i++ {
		probe := (start + i) % processTableSlots
		if pt.next.m[probe] == nil {
			idx = probe
			break
		}
	}
	if idx < 0 {
		return nil, ErrProcessTableFull
	}

	persistent, ok := pt.persistent[pid]
	if !ok {
		persistent = &ProcessPersistent{Tags: make(map[string]string)}
		pt.persistent[pid] = persistent
	}

	p := &Process{
		PID:        pid,
		ParentPID:  parentPID,
		State:      ProcessStateAlive,
		DTB:        dtb,
		Name:       name,
		Persistent: persistent,
	}
	p.Object.Init(TagProcess, nil, nil)

	pt.next.m[idx] = p
	pt.next.count++
	pt.next.countActive++
	pt.next.iFLinkM = idx
	return p, nil
}

// CreateFinish publishes the generation under construction as the new
// live generation in one atomic step, dropping the table's reference to
// every entry that existed in the prior generation but not the new one
// (i.e. processes that exited since the last refresh).
func (pt *ProcessTable) CreateFinish() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.next == nil {
		return
	}
	old := pt.live
	pt.live = pt.next
	pt.next = nil
	pt.gen++
	pt.GenerationID = uuid.New()

	stillPresent := make(map[uint32]bool, pt.live.count)
	for _, p := range pt.live.m {
		if p != nil {
			stillPresent[p.PID] = true
		}
	}
	for _, p := range old.m {
		if p != nil && !stillPresent[p.PID] {
			p.Decref()
		}
	}
}

// Clone returns a shallow copy of p suitable for a caller that needs a
// stable snapshot across a future refresh: same PID/DTB/name, a fresh
// Object header, and CloneParent set back to p (spec.md §3
// "cloneParent").
func (pt *ProcessTable) Clone(p *Process) *Process {
	c := &Process{
		PID:        p.PID,
		ParentPID:  p.ParentPID,
		State:      p.State,
		Name:       p.Name,
		DTB:        p.DTB,
		UserDTB:    p.UserDTB,
		UserOnly:   p.UserOnly,
		Map:        p.Map,
		Persistent: p.Persistent,
		CloneParent: p,
	}
	c.Object.Init(TagProcessClone, func() { p.Decref() }, nil)
	p.Incref()
	return c
}

// TokenEnsure lazily resolves and returns p's token sub-record. p's own
// tokenMu guards reads and writes of the token field; the resolve call
// itself runs under the table's single master lock, so resolutions are
// serialized table-wide and each process resolves at most once (spec.md
// §4.4 "tokenEnsure").
func (pt *ProcessTable) TokenEnsure(p *Process, resolve func(*Process) (*ProcessToken, error)) (*ProcessToken, error) {
	p.tokenMu.Lock()
	if p.token != nil {
		tok := p.token
		p.tokenMu.Unlock()
		return tok, nil
	}
	p.tokenMu.Unlock()

	pt.tokenMasterMu.Lock()
	defer pt.tokenMasterMu.Unlock()

	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	if p.token != nil {
		return p.token, nil
	}
	tok, err := resolve(p)
	if err != nil {
		return nil, err
	}
	p.token = tok
	return tok, nil
}
