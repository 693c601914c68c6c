package browserprocess

import (
	"context"
)

type ctxKey int

const (
	ctxKeyOwner ctxKey = iota
)

// WithOwner tags the context with the owner of the browser processes launched
// under it, e.g. the browser kind of a session.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKeyOwner, owner)
}

// GetOwner returns the process owner saved in the context.
func GetOwner(ctx context.Context) string {
	owner, _ := ctx.Value(ctxKeyOwner).(string)
	return owner
}
