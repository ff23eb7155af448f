package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Signature binds a token to one specific action instance: a sha256 over the
// action name and a canonical, order-independent serialization of the
// arguments. Reordered or re-encoded but equal arguments always produce the
// same signature; any semantic difference produces a different one.
func Signature(a Action) (string, error) {
	payload := map[string]any{
		"action_name": a.Name,
	}
	if a.Args != nil {
		payload["action_args"] = a.Args
	}
	b, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON encodes maps as sorted [key, value, key, value, ...] arrays
// so the byte form never depends on map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	cv, err := canonicalizeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cv)
}

func canonicalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k)
			vv, err := canonicalizeValue(x[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vv)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, vv := range x {
			cv, err := canonicalizeValue(vv)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case string, float64, bool, nil, int, int64, json.Number:
		return x, nil
	default:
		// Best-effort for JSON-ish values.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
		}
		var y any
		if err := json.Unmarshal(b, &y); err != nil {
			return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
		}
		return canonicalizeValue(y)
	}
}

// Describe renders a short human-readable summary of the action for the
// confirmation prompt, e.g. "delete_file (filename=a.txt)".
func Describe(a Action) string {
	if len(a.Args) == 0 {
		return a.Name
	}
	keys := make([]string, 0, len(a.Args))
	for k := range a.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+describeValue(a.Args[k]))
	}
	return a.Name + " (" + strings.Join(parts, ", ") + ")"
}

func describeValue(v any) string {
	s := fmt.Sprintf("%v", v)
	const max = 64
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
