package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileDevice backs a physical address space with a flat binary file — a
// raw physical-memory dump or a .dmp-style image opened for read or
// read/write access. Grounded on the teacher's disk-backed table storage
// (file-per-resource, seek-and-readAt/writeAt access) but rewritten
// against the Device interface's byte-offset scatter contract rather than
// row storage.
type FileDevice struct {
	mu       sync.Mutex
	f        *os.File
	name     string
	size     int64
	readOnly bool
}

// OpenFileDevice opens path as a physical-memory image. When readOnly is
// false the file must already exist and be writable; writes go straight
// through to it.
func OpenFileDevice(path string, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: stat %s: %w", path, err)
	}
	return &FileDevice{f: f, name: path, size: fi.Size(), readOnly: readOnly}, nil
}

func (d *FileDevice) ReadScatter(_ context.Context, reqs []*ScatterRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range reqs {
		if int64(r.Addr)+int64(len(r.Buf)) > d.size {
			r.Err = fmt.Errorf("transport: read at 0x%x exceeds file size", r.Addr)
			continue
		}
		if _, err := d.f.ReadAt(r.Buf, int64(r.Addr)); err != nil {
			r.Err = fmt.Errorf("transport: read at 0x%x: %w", r.Addr, err)
		}
	}
	return nil
}

func (d *FileDevice) WriteScatter(_ context.Context, reqs []*ScatterRequest) error {
	if d.readOnly {
		for _, r := range reqs {
			r.Err = fmt.Errorf("transport: device %s is read-only", d.name)
		}
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range reqs {
		if int64(r.Addr)+int64(len(r.Buf)) > d.size {
			r.Err = fmt.Errorf("transport: write at 0x%x exceeds file size", r.Addr)
			continue
		}
		if _, err := d.f.WriteAt(r.Buf, int64(r.Addr)); err != nil {
			r.Err = fmt.Errorf("transport: write at 0x%x: %w", r.Addr, err)
		}
	}
	return nil
}

func (d *FileDevice) AllocScatter(addrs []uint64) []*ScatterRequest {
	return allocScatterCommon(addrs)
}

func (d *FileDevice) PAMax() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size == 0 {
		return 0
	}
	return uint64(d.size) - 1
}

func (d *FileDevice) Info() DeviceInfo {
	return DeviceInfo{Name: d.name, MaxAddr: d.PAMax()}
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
