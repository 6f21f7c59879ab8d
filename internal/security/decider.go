package security

import "context"

// Decider adjudicates a chain whose verdict is not valid.  Decide may
// block; the session calls it off the dispatch goroutine.
type Decider interface {
	Decide(ctx context.Context, req TrustRequest) (bool, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req TrustRequest) (bool, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, req TrustRequest) (bool, error) {
	return f(ctx, req)
}

var (
	// AcceptAll trusts every chain.
	AcceptAll Decider = DeciderFunc(func(context.Context, TrustRequest) (bool, error) { return true, nil })

	// RejectAll trusts nothing that is not already valid.
	RejectAll Decider = DeciderFunc(func(context.Context, TrustRequest) (bool, error) { return false, nil })
)

// AllowReasons accepts chains whose verdict is one of reasons.
func AllowReasons(reasons ...Reason) Decider {
	allowed := make(map[Reason]bool, len(reasons))
	for _, r := range reasons {
		allowed[r] = true
	}
	return DeciderFunc(func(_ context.Context, req TrustRequest) (bool, error) {
		return allowed[req.Verdict.Reason], nil
	})
}

// ParseReason maps a reason name as printed by Reason.String back to
// its value.
func ParseReason(s string) (Reason, bool) {
	for r := ReasonValid; r <= ReasonUnknown; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}
