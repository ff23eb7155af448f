package confirm

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestJSONLAuditSinkEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confirm_audit.jsonl")
	sink, err := NewJSONLAuditSink(path, 0)
	if err != nil {
		t.Fatalf("NewJSONLAuditSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	events := []Event{
		{Kind: EventIssued, Token: "cft_1", OwnerID: "u1", ActionName: "delete_file"},
		{Kind: EventConfirmed, Token: "cft_1", OwnerID: "u1"},
		{Kind: EventConsumed, Token: "cft_1", OwnerID: "u1"},
	}
	for _, e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad jsonl line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != len(events) {
		t.Fatalf("lines = %d, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i].Kind != events[i].Kind || got[i].Token != events[i].Token {
			t.Fatalf("line %d = %+v, want %+v", i, got[i], events[i])
		}
		if got[i].Timestamp.IsZero() {
			t.Fatalf("line %d has no timestamp", i)
		}
	}
}

func TestJSONLAuditSinkRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "confirm_audit.jsonl")
	sink, err := NewJSONLAuditSink(path, 256)
	if err != nil {
		t.Fatalf("NewJSONLAuditSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := sink.Emit(ctx, Event{Kind: EventIssued, Token: "cft_rotation_test_token", OwnerID: "u1", ActionName: "delete_file"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotated files, got %d entries", len(entries))
	}
}
