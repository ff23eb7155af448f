package confirm

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateConsumed  State = "consumed"
	StateExpired   State = "expired"
)

// Record is a pending confirmation: one sensitive action awaiting (or holding)
// out-of-band human approval, bound to a single owner and a single action
// signature. Records are owned and mutated exclusively by Service and Ledger.
type Record struct {
	Token       string
	OwnerID     string
	ActionName  string
	ActionArgs  map[string]any
	Signature   string
	Description string

	State State

	CreatedAt       time.Time
	ConfirmDeadline time.Time
	ConsumeDeadline time.Time
}

// Deadline returns the wall-clock instant after which the record is
// logically expired in its current state. Terminal states have no deadline.
func (r Record) Deadline() (time.Time, bool) {
	switch r.State {
	case StatePending:
		return r.ConfirmDeadline, true
	case StateConfirmed:
		return r.ConsumeDeadline, true
	default:
		return time.Time{}, false
	}
}

// ExpiredAt reports whether the record's applicable deadline has elapsed.
// Reads past the deadline must treat the record as expired even if no sweep
// has run yet.
func (r Record) ExpiredAt(now time.Time) bool {
	d, ok := r.Deadline()
	if !ok {
		return r.State == StateExpired
	}
	return !now.Before(d)
}

// Active reports whether the record can still progress (Pending or Confirmed
// and inside its deadline).
func (r Record) Active(now time.Time) bool {
	switch r.State {
	case StatePending, StateConfirmed:
		return !r.ExpiredAt(now)
	default:
		return false
	}
}

// NewToken returns a fresh opaque confirmation token.
func NewToken() string {
	return "cft_" + randHex(16)
}

func randHex(nbytes int) string {
	if nbytes <= 0 {
		nbytes = 16
	}
	b := make([]byte, nbytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
