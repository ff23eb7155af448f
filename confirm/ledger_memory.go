package confirm

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is the in-process Ledger used by tests and single-node
// deployments. Native TTL is emulated with a per-entry expiry instant
// checked on every read plus a janitor pass.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	now func() time.Time
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

type MemoryOption func(*MemoryLedger)

// WithMemoryClock overrides the wall clock, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) Get(ctx context.Context, token string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.liveLocked(token)
	if !ok {
		return Record{}, false, nil
	}
	return ent.rec, true, nil
}

func (l *MemoryLedger) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[rec.Token] = &memoryEntry{rec: rec, expiresAt: l.now().Add(ttl)}
	return nil
}

func (l *MemoryLedger) CompareAndSwap(ctx context.Context, token string, expect State, next Record, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.liveLocked(token)
	if !ok || ent.rec.State != expect {
		return false, nil
	}
	ent.rec = next
	ent.expiresAt = l.now().Add(ttl)
	return true, nil
}

func (l *MemoryLedger) Delete(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, token)
	return nil
}

func (l *MemoryLedger) FindActive(ctx context.Context, ownerID, signature string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for token, ent := range l.entries {
		if !ent.expiresAt.After(now) {
			delete(l.entries, token)
			continue
		}
		r := ent.rec
		if r.OwnerID == ownerID && r.Signature == signature && (r.State == StatePending || r.State == StateConfirmed) {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (l *MemoryLedger) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]Record, 0, len(l.entries))
	for token, ent := range l.entries {
		if !ent.expiresAt.After(now) {
			delete(l.entries, token)
			continue
		}
		out = append(out, ent.rec)
	}
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }

// Cleanup drops entries past their retention TTL.
func (l *MemoryLedger) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for token, ent := range l.entries {
		if !ent.expiresAt.After(now) {
			delete(l.entries, token)
		}
	}
}

// StartJanitor evicts TTL-dead entries periodically until ctx is cancelled.
func (l *MemoryLedger) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}

func (l *MemoryLedger) liveLocked(token string) (*memoryEntry, bool) {
	ent, ok := l.entries[token]
	if !ok {
		return nil, false
	}
	if !ent.expiresAt.After(l.now()) {
		delete(l.entries, token)
		return nil, false
	}
	return ent, true
}

var _ Ledger = (*MemoryLedger)(nil)
