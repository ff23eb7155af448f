package confirm

import (
	"context"
	"time"
)

type EventKind string

const (
	EventIssued    EventKind = "issued"
	EventConfirmed EventKind = "confirmed"
	EventConsumed  EventKind = "consumed"
	EventExpired   EventKind = "expired"
	// EventRejected covers failed confirm attempts: unknown token, wrong
	// owner, elapsed deadline.
	EventRejected EventKind = "rejected"
)

// Event is one entry in the confirmation audit trail.
type Event struct {
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"ts"`
	Token      string    `json:"token"`
	OwnerID    string    `json:"owner_id,omitempty"`
	ActionName string    `json:"action_name,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type AuditSink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}
