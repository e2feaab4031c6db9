package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLogRecordAndForSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	events := []Event{
		{Kind: EventRead, SessionID: "s1", PID: 4, Addr: 0x1000, Length: 4096},
		{Kind: EventWrite, SessionID: "s1", PID: 4, Addr: 0x2000, Length: 16},
		{Kind: EventRead, SessionID: "s2", PID: 812, Addr: 0x3000, Length: 4096},
	}
	for _, ev := range events {
		if err := log.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := log.ForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ForSession(s1) returned %d events, want 2", len(got))
	}
	if got[0].Kind != EventRead || got[1].Kind != EventWrite {
		t.Fatalf("ForSession(s1) order/kind mismatch: %+v", got)
	}

	gotOther, err := log.ForSession(ctx, "s2")
	if err != nil {
		t.Fatalf("ForSession(s2): %v", err)
	}
	if len(gotOther) != 1 || gotOther[0].PID != 812 {
		t.Fatalf("ForSession(s2) = %+v, want one event for pid 812", gotOther)
	}
}
