package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quailyquaily/toolgate/confirm"
)

// Gate decides, per attempt, whether a sensitive action may execute now or
// must wait for out-of-band confirmation. It never touches the ledger
// directly; all token custody goes through the confirmation service.
//
// The gate fails closed: ambiguous, missing, mismatched or expired token
// input always yields PendingRequired, never silent execution.
type Gate struct {
	svc *confirm.Service
	log *slog.Logger
}

type Option func(*Gate)

func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

func New(svc *confirm.Service, opts ...Option) *Gate {
	g := &Gate{svc: svc, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs the two-phase decision for one attempted action.
//
//  1. Consume the first asserted token that is owned by the caller,
//     Confirmed, signature-matched and inside its consume window; the
//     consume CAS guarantees exactly one concurrent presentation wins.
//  2. Otherwise reuse an existing active record for the same
//     owner+signature, so agent retries do not mint token after token.
//  3. Otherwise issue a fresh Pending record.
//
// Only ledger failures and malformed input return an error; needing
// confirmation is a Result, not an error.
func (g *Gate) Check(ctx context.Context, caller CallerContext, action Action) (Result, error) {
	if strings.TrimSpace(caller.OwnerID) == "" {
		return Result{}, fmt.Errorf("missing owner id")
	}
	if strings.TrimSpace(action.Name) == "" {
		return Result{}, fmt.Errorf("missing action name")
	}

	sig, err := Signature(action)
	if err != nil {
		return Result{}, fmt.Errorf("sign action %s: %w", action.Name, err)
	}

	for _, token := range caller.AssertedTokens {
		rec, ok, err := g.svc.Consume(ctx, token, caller.OwnerID, sig)
		if err != nil {
			return Result{}, err
		}
		if ok {
			g.log.Info("gate_proceed", "owner_id", caller.OwnerID, "action", action.Name, "token", rec.Token)
			return Result{Decision: DecisionProceed, Token: rec.Token}, nil
		}
	}

	if rec, ok, err := g.svc.FindActive(ctx, caller.OwnerID, sig); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Decision: DecisionPendingRequired, Token: rec.Token, Description: rec.Description}, nil
	}

	rec, err := g.svc.Create(ctx, caller.OwnerID, action.Name, action.Args, sig, Describe(action))
	if err != nil {
		return Result{}, err
	}
	g.log.Info("gate_pending_required", "owner_id", caller.OwnerID, "action", action.Name, "token", rec.Token)
	return Result{Decision: DecisionPendingRequired, Token: rec.Token, Description: rec.Description}, nil
}
