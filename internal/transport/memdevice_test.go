package transport

import (
	"bytes"
	"context"
	"testing"
)

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	dev := NewMemDevice("fixture", make([]byte, 3*4096))
	ctx := context.Background()

	reqs := dev.AllocScatter([]uint64{0, 4096})
	for _, r := range reqs {
		for i := range r.Buf {
			r.Buf[i] = byte(r.Addr / 4096)
		}
	}
	if err := dev.WriteScatter(ctx, reqs); err != nil {
		t.Fatalf("WriteScatter: %v", err)
	}
	for _, r := range reqs {
		if r.Err != nil {
			t.Fatalf("WriteScatter req %x: %v", r.Addr, r.Err)
		}
	}

	readBack := dev.AllocScatter([]uint64{0, 4096})
	if err := dev.ReadScatter(ctx, readBack); err != nil {
		t.Fatalf("ReadScatter: %v", err)
	}
	for i, r := range readBack {
		if !bytes.Equal(r.Buf, reqs[i].Buf) {
			t.Fatalf("read back mismatch at 0x%x", r.Addr)
		}
	}
}

func TestMemDeviceOutOfBoundsSetsErr(t *testing.T) {
	dev := NewMemDevice("fixture", make([]byte, 4096))
	ctx := context.Background()
	reqs := dev.AllocScatter([]uint64{8192})
	if err := dev.ReadScatter(ctx, reqs); err != nil {
		t.Fatalf("ReadScatter top-level error: %v", err)
	}
	if reqs[0].Err == nil {
		t.Fatalf("expected per-request error for out-of-bounds read")
	}
}

func TestMemDevicePAMaxAndInfo(t *testing.T) {
	dev := NewMemDevice("fixture", make([]byte, 2*4096))
	if got := dev.PAMax(); got != 2*4096-1 {
		t.Fatalf("PAMax() = %d, want %d", got, 2*4096-1)
	}
	info := dev.Info()
	if info.Name != "fixture" || info.MaxAddr != dev.PAMax() {
		t.Fatalf("Info() = %+v", info)
	}
}
