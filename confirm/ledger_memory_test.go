package confirm

import (
	"context"
	"testing"
	"time"
)

func testRecord(token, owner, sig string, now time.Time) Record {
	return Record{
		Token:           token,
		OwnerID:         owner,
		ActionName:      "delete_file",
		ActionArgs:      map[string]any{"file": "a.txt"},
		Signature:       sig,
		Description:     "delete_file (file=a.txt)",
		State:           StatePending,
		CreatedAt:       now,
		ConfirmDeadline: now.Add(5 * time.Minute),
	}
}

func TestMemoryLedgerPutGet(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithMemoryClock(clk.Now))
	ctx := context.Background()

	rec := testRecord("cft_1", "u1", "sig-a", clk.Now())
	if err := l.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := l.Get(ctx, "cft_1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.OwnerID != "u1" || got.State != StatePending {
		t.Fatalf("got %+v", got)
	}

	if _, ok, _ := l.Get(ctx, "cft_missing"); ok {
		t.Fatal("found a token that was never stored")
	}
}

func TestMemoryLedgerTTLEviction(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithMemoryClock(clk.Now))
	ctx := context.Background()

	rec := testRecord("cft_1", "u1", "sig-a", clk.Now())
	if err := l.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clk.Advance(61 * time.Second)
	if _, ok, _ := l.Get(ctx, "cft_1"); ok {
		t.Fatal("record survived its native TTL")
	}
}

func TestMemoryLedgerCAS(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithMemoryClock(clk.Now))
	ctx := context.Background()

	rec := testRecord("cft_1", "u1", "sig-a", clk.Now())
	if err := l.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	next := rec
	next.State = StateConfirmed
	next.ConsumeDeadline = clk.Now().Add(time.Minute)

	won, err := l.CompareAndSwap(ctx, "cft_1", StatePending, next, time.Minute)
	if err != nil || !won {
		t.Fatalf("CAS pending->confirmed: won=%v err=%v", won, err)
	}

	// The same transition cannot win twice.
	won, err = l.CompareAndSwap(ctx, "cft_1", StatePending, next, time.Minute)
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if won {
		t.Fatal("stale CAS won")
	}

	// CAS on a missing token loses quietly.
	won, err = l.CompareAndSwap(ctx, "cft_missing", StatePending, next, time.Minute)
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if won {
		t.Fatal("CAS won on a missing token")
	}
}

func TestMemoryLedgerFindActive(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithMemoryClock(clk.Now))
	ctx := context.Background()

	rec := testRecord("cft_1", "u1", "sig-a", clk.Now())
	if err := l.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := l.FindActive(ctx, "u1", "sig-a")
	if err != nil || !ok {
		t.Fatalf("FindActive: ok=%v err=%v", ok, err)
	}
	if got.Token != "cft_1" {
		t.Fatalf("token = %s", got.Token)
	}

	if _, ok, _ := l.FindActive(ctx, "u2", "sig-a"); ok {
		t.Fatal("matched a record owned by somebody else")
	}
	if _, ok, _ := l.FindActive(ctx, "u1", "sig-b"); ok {
		t.Fatal("matched a record with a different signature")
	}
}

func TestMemoryLedgerCleanup(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithMemoryClock(clk.Now))
	ctx := context.Background()

	if err := l.Put(ctx, testRecord("cft_1", "u1", "sig-a", clk.Now()), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := l.Put(ctx, testRecord("cft_2", "u2", "sig-b", clk.Now()), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clk.Advance(2 * time.Minute)
	l.Cleanup()

	recs, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Token != "cft_2" {
		t.Fatalf("recs = %+v, want only cft_2", recs)
	}
}
