package gate

import "context"

// CallerContext is the per-request identity bundle assembled fresh by the
// transport layer: who is asking, and which confirmation tokens they assert.
// It is never persisted; every claim in it is validated against the ledger.
type CallerContext struct {
	OwnerID        string
	AssertedTokens []string
}

type ctxKeyCaller struct{}

func WithCaller(ctx context.Context, c CallerContext) context.Context {
	return context.WithValue(ctx, ctxKeyCaller{}, c)
}

func CallerFromContext(ctx context.Context) (CallerContext, bool) {
	if ctx == nil {
		return CallerContext{}, false
	}
	v := ctx.Value(ctxKeyCaller{})
	c, ok := v.(CallerContext)
	return c, ok
}
