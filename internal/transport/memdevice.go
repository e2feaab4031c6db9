package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemDevice is an in-memory []byte arena standing in for a physical
// address space: an already-acquired RAM image loaded whole, or a fixture
// built for tests. It is the memory-domain analogue of the teacher's
// MemoryBackend, which likewise keeps everything in a single in-process
// store and treats persistence as someone else's problem.
type MemDevice struct {
	mu   sync.RWMutex
	name string
	buf  []byte
}

// NewMemDevice wraps buf directly (no copy) as a Device. len(buf) must be
// a multiple of the page size the caller intends to use.
func NewMemDevice(name string, buf []byte) *MemDevice {
	return &MemDevice{name: name, buf: buf}
}

func (m *MemDevice) ReadScatter(_ context.Context, reqs []*ScatterRequest) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range reqs {
		end := r.Addr + uint64(len(r.Buf))
		if end > uint64(len(m.buf)) {
			r.Err = fmt.Errorf("transport: read at 0x%x exceeds device bounds", r.Addr)
			continue
		}
		copy(r.Buf, m.buf[r.Addr:end])
	}
	return nil
}

func (m *MemDevice) WriteScatter(_ context.Context, reqs []*ScatterRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		end := r.Addr + uint64(len(r.Buf))
		if end > uint64(len(m.buf)) {
			r.Err = fmt.Errorf("transport: write at 0x%x exceeds device bounds", r.Addr)
			continue
		}
		copy(m.buf[r.Addr:end], r.Buf)
	}
	return nil
}

func (m *MemDevice) AllocScatter(addrs []uint64) []*ScatterRequest {
	return allocScatterCommon(addrs)
}

func (m *MemDevice) PAMax() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.buf) == 0 {
		return 0
	}
	return uint64(len(m.buf)) - 1
}

func (m *MemDevice) Info() DeviceInfo {
	return DeviceInfo{Name: m.name, MaxAddr: m.PAMax()}
}

func (m *MemDevice) Close() error { return nil }

// allocScatterCommon builds zeroed page-sized scatter requests; both
// MemDevice and FileDevice share this since neither has a native page
// size requirement beyond what the caller asks for.
func allocScatterCommon(addrs []uint64) []*ScatterRequest {
	const pageSize = 4096
	reqs := make([]*ScatterRequest, len(addrs))
	for i, a := range addrs {
		reqs[i] = &ScatterRequest{Addr: a, Buf: make([]byte, pageSize)}
	}
	return reqs
}
