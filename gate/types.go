package gate

// Action is one attempted sensitive operation: a tool name plus its
// arguments as the agent runtime resolved them.
type Action struct {
	Name string
	Args map[string]any
}

type Decision string

const (
	// DecisionProceed means a confirmed token was consumed and the action
	// may execute now.
	DecisionProceed Decision = "proceed"
	// DecisionPendingRequired means the action must not run until the human
	// confirms the returned token out-of-band.
	DecisionPendingRequired Decision = "pending_required"
)

// Result is the gate's answer for one attempted action. It is a tagged
// variant, not an error: needing confirmation is normal control flow.
type Result struct {
	Decision Decision

	// Token is the consumed token on Proceed, or the pending token the
	// caller must surface to the human on PendingRequired.
	Token string

	// Description is a human-readable summary of the gated action, set on
	// PendingRequired.
	Description string
}

func (r Result) Proceed() bool { return r.Decision == DecisionProceed }
