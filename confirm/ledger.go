package confirm

import (
	"context"
	"time"
)

// Ledger is the token keyspace behind the confirmation service: a
// concurrency-safe KV store with per-record TTL and an atomic
// compare-and-swap on the record state. CAS is the only synchronization
// primitive a backend must provide; contention scope is always a single
// token.
//
// The TTL passed to Put and CompareAndSwap is a second, independent expiry
// mechanism on top of the deadlines stored inside the record: a backend with
// native expiry (Redis) enforces it server-side so client clock skew cannot
// resurrect logically dead state after a restart.
type Ledger interface {
	// Get returns the record for token, or ok=false when absent or already
	// evicted by the backend's native TTL.
	Get(ctx context.Context, token string) (Record, bool, error)

	// Put stores a new record under its token with the given retention TTL.
	Put(ctx context.Context, rec Record, ttl time.Duration) error

	// CompareAndSwap replaces the record only if its current state equals
	// expect. It returns false when the record is absent or the state
	// differs; exactly one concurrent caller can win a given transition.
	CompareAndSwap(ctx context.Context, token string, expect State, next Record, ttl time.Duration) (bool, error)

	// Delete evicts the record. Deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error

	// FindActive returns a Pending or Confirmed record for owner+signature,
	// used for idempotent token reuse. Backends may return records past
	// their logical deadline; callers apply lazy expiry.
	FindActive(ctx context.Context, ownerID, signature string) (Record, bool, error)

	// List returns all live records, for sweeping.
	List(ctx context.Context) ([]Record, error)

	// Close releases backend resources.
	Close() error
}
