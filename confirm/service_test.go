package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	ledger := NewMemoryLedger(WithMemoryClock(clk.Now))
	base := []Option{WithClock(clk.Now)}
	svc := NewService(ledger, append(base, opts...)...)
	return svc, clk
}

func mustCreate(t *testing.T, svc *Service, owner, action, sig string) Record {
	t.Helper()
	rec, err := svc.Create(context.Background(), owner, action, map[string]any{"file": "a.txt"}, sig, action+" (file=a.txt)")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestConfirmLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	if rec.State != StatePending {
		t.Fatalf("new record state = %s, want pending", rec.State)
	}

	confirmed, err := svc.Confirm(ctx, rec.Token, "u1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.State != StateConfirmed {
		t.Fatalf("state = %s, want confirmed", confirmed.State)
	}
	if !confirmed.ConsumeDeadline.After(confirmed.CreatedAt) {
		t.Fatal("consume deadline not set")
	}

	got, ok, err := svc.Consume(ctx, rec.Token, "u1", "sig-a")
	if err != nil || !ok {
		t.Fatalf("Consume: ok=%v err=%v", ok, err)
	}
	if got.State != StateConsumed {
		t.Fatalf("state = %s, want consumed", got.State)
	}

	// Second presentation fails closed.
	_, ok, err = svc.Consume(ctx, rec.Token, "u1", "sig-a")
	if err != nil {
		t.Fatalf("second Consume: %v", err)
	}
	if ok {
		t.Fatal("token consumed twice")
	}
}

func TestConfirmOwnerMismatchReportedAsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")

	_, err := svc.Confirm(ctx, rec.Token, "u2")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Confirm by wrong owner = %v, want ErrNotFound", err)
	}

	// The record is untouched and the real owner can still confirm.
	if _, err := svc.Confirm(ctx, rec.Token, "u1"); err != nil {
		t.Fatalf("Confirm by owner after mismatch: %v", err)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Confirm(context.Background(), "cft_nope", "u1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmAfterDeadlineReturnsExpired(t *testing.T) {
	// The record is never read between creation and the late confirm, so
	// only lazy expiry can catch it.
	svc, clk := newTestService(t, WithPendingTTL(5*time.Second))
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	clk.Advance(6 * time.Second)

	_, err := svc.Confirm(ctx, rec.Token, "u1")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}

	// Expired is terminal: eviction means a later confirm sees not-found.
	_, err = svc.Confirm(ctx, rec.Token, "u1")
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
		t.Fatalf("confirm after eviction = %v", err)
	}
}

func TestConsumeAfterWindowExpires(t *testing.T) {
	svc, clk := newTestService(t, WithConsumeWindow(5*time.Second))
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	if _, err := svc.Confirm(ctx, rec.Token, "u1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	clk.Advance(6 * time.Second)

	_, ok, err := svc.Consume(ctx, rec.Token, "u1", "sig-a")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ok {
		t.Fatal("consumed a token past its consume deadline")
	}
}

func TestConsumeSignatureMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	if _, err := svc.Confirm(ctx, rec.Token, "u1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	_, ok, err := svc.Consume(ctx, rec.Token, "u1", "sig-b")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ok {
		t.Fatal("signature mismatch authorized execution")
	}

	// The mismatch did not burn the token.
	_, ok, err = svc.Consume(ctx, rec.Token, "u1", "sig-a")
	if err != nil || !ok {
		t.Fatalf("matching Consume after mismatch: ok=%v err=%v", ok, err)
	}
}

func TestConsumeRaceSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	if _, err := svc.Confirm(ctx, rec.Token, "u1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := svc.Consume(ctx, rec.Token, "u1", "sig-a")
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want exactly 1", n)
	}
}

func TestConfirmIdempotentOnConfirmed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	first, err := svc.Confirm(ctx, rec.Token, "u1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	second, err := svc.Confirm(ctx, rec.Token, "u1")
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}
	if !second.ConsumeDeadline.Equal(first.ConsumeDeadline) {
		t.Fatal("re-confirm extended the consume window")
	}
}

func TestFindActiveReusesPending(t *testing.T) {
	svc, clk := newTestService(t, WithPendingTTL(time.Minute))
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")

	got, ok, err := svc.FindActive(ctx, "u1", "sig-a")
	if err != nil || !ok {
		t.Fatalf("FindActive: ok=%v err=%v", ok, err)
	}
	if got.Token != rec.Token {
		t.Fatalf("token = %s, want %s", got.Token, rec.Token)
	}

	// After expiry there is nothing to reuse.
	clk.Advance(2 * time.Minute)
	_, ok, err = svc.FindActive(ctx, "u1", "sig-a")
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if ok {
		t.Fatal("reused an expired pending record")
	}
}

func TestGetAppliesLazyExpiry(t *testing.T) {
	svc, clk := newTestService(t, WithPendingTTL(time.Minute))
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")

	got, ok, err := svc.Get(ctx, rec.Token)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Token != rec.Token {
		t.Fatalf("token = %s", got.Token)
	}

	clk.Advance(2 * time.Minute)
	if _, ok, _ := svc.Get(ctx, rec.Token); ok {
		t.Fatal("expired record still visible through Get")
	}
}

func TestSweepExpired(t *testing.T) {
	svc, clk := newTestService(t, WithPendingTTL(time.Minute), WithConsumeWindow(30*time.Second))
	ctx := context.Background()

	stale := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	confirmed := mustCreate(t, svc, "u2", "send_email", "sig-b")
	if _, err := svc.Confirm(ctx, confirmed.Token, "u2"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	fresh := mustCreate(t, svc, "u3", "make_payment", "sig-c")
	_ = fresh

	// Past the pending TTL for u1 and the consume window for u2, but a
	// fresh record for u3 created after the jump survives.
	clk.Advance(2 * time.Minute)
	survivor := mustCreate(t, svc, "u4", "delete_file", "sig-d")

	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 3 {
		t.Fatalf("swept = %d, want 3", n)
	}

	if _, err := svc.Confirm(ctx, stale.Token, "u1"); !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
		t.Fatalf("confirm swept token = %v", err)
	}
	if _, ok, err := svc.FindActive(ctx, "u4", "sig-d"); err != nil || !ok {
		t.Fatalf("survivor gone: ok=%v err=%v", ok, err)
	}
	_ = survivor
}

func TestListActive(t *testing.T) {
	svc, clk := newTestService(t, WithPendingTTL(time.Minute))
	ctx := context.Background()

	mustCreate(t, svc, "u1", "delete_file", "sig-a")
	clk.Advance(2 * time.Minute)
	live := mustCreate(t, svc, "u2", "send_email", "sig-b")

	recs, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(recs) != 1 || recs[0].Token != live.Token {
		t.Fatalf("recs = %+v, want only %s", recs, live.Token)
	}
}

func TestAuditTrail(t *testing.T) {
	sink := &captureSink{}
	clk := newFakeClock()
	ledger := NewMemoryLedger(WithMemoryClock(clk.Now))
	svc := NewService(ledger, WithClock(clk.Now), WithAudit(sink))
	ctx := context.Background()

	rec := mustCreate(t, svc, "u1", "delete_file", "sig-a")
	if _, err := svc.Confirm(ctx, rec.Token, "u1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, ok, err := svc.Consume(ctx, rec.Token, "u1", "sig-a"); err != nil || !ok {
		t.Fatalf("Consume: ok=%v err=%v", ok, err)
	}

	want := []EventKind{EventIssued, EventConfirmed, EventConsumed}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Emit(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}
