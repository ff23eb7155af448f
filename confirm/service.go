package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultPendingTTL    = 5 * time.Minute
	DefaultConsumeWindow = 60 * time.Second

	defaultOpTimeout = 5 * time.Second

	// Logically expired records are retained briefly past their deadline so
	// a late confirm can report "expired" instead of "not found". Native TTL
	// evicts them after this grace.
	expiredRetention = 10 * time.Minute

	// terminalTTL bounds how long a Consumed or Expired record may linger
	// between its CAS and the follow-up eviction.
	terminalTTL = time.Minute
)

// Service owns the pending-confirmation lifecycle: issuing records,
// confirming them on behalf of a human, consuming them exactly once, and
// sweeping out whatever expired.
type Service struct {
	ledger Ledger
	audit  AuditSink
	log    *slog.Logger

	pendingTTL    time.Duration
	consumeWindow time.Duration
	opTimeout     time.Duration

	now func() time.Time
}

type Option func(*Service)

// WithPendingTTL sets the window a Pending record stays confirmable.
func WithPendingTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pendingTTL = d
		}
	}
}

// WithConsumeWindow sets the window between human approval and the agent's
// retry of the original action.
func WithConsumeWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.consumeWindow = d
		}
	}
}

// WithOpTimeout bounds every ledger call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func WithAudit(sink AuditSink) Option {
	return func(s *Service) { s.audit = sink }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(ledger Ledger, opts ...Option) *Service {
	s := &Service{
		ledger:        ledger,
		log:           slog.Default(),
		pendingTTL:    DefaultPendingTTL,
		consumeWindow: DefaultConsumeWindow,
		opTimeout:     defaultOpTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a fresh Pending record for owner+action and stores it.
func (s *Service) Create(ctx context.Context, ownerID, actionName string, actionArgs map[string]any, signature, description string) (Record, error) {
	now := s.now()
	rec := Record{
		Token:           NewToken(),
		OwnerID:         ownerID,
		ActionName:      actionName,
		ActionArgs:      actionArgs,
		Signature:       signature,
		Description:     description,
		State:           StatePending,
		CreatedAt:       now,
		ConfirmDeadline: now.Add(s.pendingTTL),
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.ledger.Put(opCtx, rec, s.pendingTTL+expiredRetention); err != nil {
		return Record{}, s.ledgerErr(err)
	}

	s.emit(ctx, Event{Kind: EventIssued, Token: rec.Token, OwnerID: ownerID, ActionName: actionName, Signature: signature})
	return rec, nil
}

// Confirm transitions a Pending record to Confirmed on behalf of its owner
// and opens the consume window. An owner mismatch is reported as ErrNotFound
// so callers cannot probe foreign tokens. Confirming an already Confirmed,
// unexpired record is idempotent.
func (s *Service) Confirm(ctx context.Context, token, ownerID string) (Record, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Record{}, ErrNotFound
	}

	rec, ok, err := s.get(ctx, token)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		s.emit(ctx, Event{Kind: EventRejected, Token: token, OwnerID: ownerID, Reason: "not_found"})
		return Record{}, ErrNotFound
	}
	if rec.OwnerID != ownerID {
		s.emit(ctx, Event{Kind: EventRejected, Token: token, OwnerID: ownerID, Reason: "owner_mismatch"})
		return Record{}, ErrNotFound
	}

	now := s.now()
	switch rec.State {
	case StateConsumed:
		return Record{}, ErrAlreadyConsumed
	case StateExpired:
		return Record{}, ErrExpired
	case StateConfirmed:
		if rec.ExpiredAt(now) {
			s.expire(ctx, rec)
			return Record{}, ErrExpired
		}
		return rec, nil
	}

	// Pending.
	if rec.ExpiredAt(now) {
		s.expire(ctx, rec)
		s.emit(ctx, Event{Kind: EventRejected, Token: token, OwnerID: ownerID, Reason: "confirm_deadline_elapsed"})
		return Record{}, ErrExpired
	}

	next := rec
	next.State = StateConfirmed
	next.ConsumeDeadline = now.Add(s.consumeWindow)

	opCtx, cancel := s.opCtx(ctx)
	won, err := s.ledger.CompareAndSwap(opCtx, token, StatePending, next, s.consumeWindow+expiredRetention)
	cancel()
	if err != nil {
		return Record{}, s.ledgerErr(err)
	}
	if !won {
		// Lost to a concurrent confirm or sweep; re-read once and report
		// what actually happened.
		cur, ok, err := s.get(ctx, token)
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, ErrNotFound
		}
		switch cur.State {
		case StateConfirmed:
			if !cur.ExpiredAt(s.now()) {
				return cur, nil
			}
			return Record{}, ErrExpired
		case StateConsumed:
			return Record{}, ErrAlreadyConsumed
		default:
			return Record{}, ErrExpired
		}
	}

	s.emit(ctx, Event{Kind: EventConfirmed, Token: token, OwnerID: ownerID, ActionName: rec.ActionName, Signature: rec.Signature})
	s.log.Debug("confirmation_confirmed", "token", token, "consume_deadline", next.ConsumeDeadline)
	return next, nil
}

// Consume exercises a Confirmed token exactly once. It returns ok=false when
// the token does not qualify for the presented owner+signature, whatever the
// reason; only ledger failures surface as errors. At most one concurrent
// caller observes ok=true for a given token.
func (s *Service) Consume(ctx context.Context, token, ownerID, signature string) (Record, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Record{}, false, nil
	}

	rec, ok, err := s.get(ctx, token)
	if err != nil {
		return Record{}, false, err
	}
	if !ok || rec.OwnerID != ownerID || rec.Signature != signature || rec.State != StateConfirmed {
		return Record{}, false, nil
	}

	now := s.now()
	if rec.ExpiredAt(now) {
		s.expire(ctx, rec)
		return Record{}, false, nil
	}

	next := rec
	next.State = StateConsumed

	opCtx, cancel := s.opCtx(ctx)
	won, err := s.ledger.CompareAndSwap(opCtx, token, StateConfirmed, next, terminalTTL)
	cancel()
	if err != nil {
		return Record{}, false, s.ledgerErr(err)
	}
	if !won {
		return Record{}, false, nil
	}

	// Consumed records are evicted immediately; the CAS already made the
	// terminal state visible, so failure here only delays eviction to TTL.
	opCtx, cancel = s.opCtx(ctx)
	if err := s.ledger.Delete(opCtx, token); err != nil {
		s.log.Warn("confirmation_evict_failed", "token", token, "error", err.Error())
	}
	cancel()

	s.emit(ctx, Event{Kind: EventConsumed, Token: token, OwnerID: ownerID, ActionName: rec.ActionName, Signature: signature})
	return next, true, nil
}

// FindActive returns an existing Pending or Confirmed record for
// owner+signature, so retried checks reuse one token instead of minting more.
func (s *Service) FindActive(ctx context.Context, ownerID, signature string) (Record, bool, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	rec, ok, err := s.ledger.FindActive(opCtx, ownerID, signature)
	if err != nil {
		return Record{}, false, s.ledgerErr(err)
	}
	if !ok {
		return Record{}, false, nil
	}
	if rec.ExpiredAt(s.now()) {
		s.expire(ctx, rec)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Get returns the record for token with lazy expiry applied.
func (s *Service) Get(ctx context.Context, token string) (Record, bool, error) {
	rec, ok, err := s.get(ctx, token)
	if err != nil || !ok {
		return Record{}, false, err
	}
	if rec.Active(s.now()) {
		return rec, true, nil
	}
	if rec.State != StateConsumed && rec.State != StateExpired {
		s.expire(ctx, rec)
	}
	return Record{}, false, nil
}

// ListActive returns every record still awaiting confirmation or
// consumption, for operator inspection.
func (s *Service) ListActive(ctx context.Context) ([]Record, error) {
	opCtx, cancel := s.opCtx(ctx)
	recs, err := s.ledger.List(opCtx)
	cancel()
	if err != nil {
		return nil, s.ledgerErr(err)
	}
	now := s.now()
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Active(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SweepExpired expires and evicts every record past its deadline. Each
// record is handled as one CAS-guarded unit so a concurrent confirm or
// consume either wins cleanly or loses cleanly.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	opCtx, cancel := s.opCtx(ctx)
	recs, err := s.ledger.List(opCtx)
	cancel()
	if err != nil {
		return 0, s.ledgerErr(err)
	}

	now := s.now()
	swept := 0
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return swept, ctx.Err()
		default:
		}
		switch rec.State {
		case StatePending, StateConfirmed:
			if rec.ExpiredAt(now) && s.expire(ctx, rec) {
				swept++
			}
		case StateConsumed, StateExpired:
			// Terminal leftovers from an interrupted eviction.
			opCtx, cancel := s.opCtx(ctx)
			_ = s.ledger.Delete(opCtx, rec.Token)
			cancel()
		}
	}
	return swept, nil
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context, every time.Duration) {
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
				n, err := s.SweepExpired(ctx)
				if err != nil {
					s.log.Warn("confirmation_sweep_failed", "error", err.Error())
					continue
				}
				if n > 0 {
					s.log.Info("confirmation_sweep", "expired", n)
				}
			}
		}
	}()
}

// expire CASes rec to Expired and evicts it. Returns true when this caller
// performed the transition.
func (s *Service) expire(ctx context.Context, rec Record) bool {
	next := rec
	next.State = StateExpired

	opCtx, cancel := s.opCtx(ctx)
	won, err := s.ledger.CompareAndSwap(opCtx, rec.Token, rec.State, next, terminalTTL)
	cancel()
	if err != nil || !won {
		return false
	}

	opCtx, cancel = s.opCtx(ctx)
	_ = s.ledger.Delete(opCtx, rec.Token)
	cancel()

	s.emit(ctx, Event{Kind: EventExpired, Token: rec.Token, OwnerID: rec.OwnerID, ActionName: rec.ActionName, Signature: rec.Signature})
	return true
}

func (s *Service) get(ctx context.Context, token string) (Record, bool, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	rec, ok, err := s.ledger.Get(opCtx, token)
	if err != nil {
		return Record{}, false, s.ledgerErr(err)
	}
	return rec, ok, nil
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Service) ledgerErr(err error) error {
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func (s *Service) emit(ctx context.Context, e Event) {
	if s.audit == nil {
		return
	}
	e.Timestamp = s.now().UTC()
	if err := s.audit.Emit(ctx, e); err != nil {
		s.log.Warn("confirmation_audit_failed", "kind", string(e.Kind), "error", err.Error())
	}
}
