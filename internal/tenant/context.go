package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Space captures the resolved tenant scope for a request. It is attached to
// the context by the proxy's auth middleware once the caller's credential has
// been resolved; every repository call requires it.
type Space struct {
	TenantID uuid.UUID
	OwnerID  uuid.UUID
	Slug     string
}

type ctxKey struct{}

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, ctxKey{}, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return Space{}, false
	}
	space, ok := v.(Space)
	return space, ok
}
