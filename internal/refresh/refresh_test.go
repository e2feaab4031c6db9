package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/memscan/vmm/internal/vmmcore"
)

type fixedEnumerator struct {
	procs []ProcessInfo
	calls int
}

func (f *fixedEnumerator) Enumerate(ctx context.Context) ([]ProcessInfo, error) {
	f.calls++
	return f.procs, nil
}

func TestSchedulerIntervalRefreshesTable(t *testing.T) {
	table := vmmcore.NewProcessTable()
	enum := &fixedEnumerator{procs: []ProcessInfo{
		{PID: 4, Name: "System"},
		{PID: 100, ParentPID: 4, Name: "worker.exe"},
	}}
	s := NewScheduler(table, enum, Config{Interval: 20 * time.Millisecond, Timeout: time.Second})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := table.Get(100); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p, err := table.Get(100)
	if err != nil {
		t.Fatalf("Get(100) after scheduled refresh: %v", err)
	}
	p.Decref()
}

func TestSchedulerRunOnceRecordsStats(t *testing.T) {
	table := vmmcore.NewProcessTable()
	enum := &fixedEnumerator{procs: []ProcessInfo{{PID: 4, Name: "System"}}}
	s := NewScheduler(table, enum, Config{Interval: time.Hour, Timeout: time.Second})
	s.runOnce()
	if s.RunCount != 1 {
		t.Fatalf("RunCount = %d, want 1", s.RunCount)
	}
	if s.LastErr != nil {
		t.Fatalf("LastErr = %v, want nil", s.LastErr)
	}
	if enum.calls != 1 {
		t.Fatalf("enumerate calls = %d, want 1", enum.calls)
	}
}
