package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/narthex-io/narthex/platform/go/persistence"
)

// Space captures the resolved tenant routing metadata for a request: the
// tenant identity plus the connection record for its dedicated database.
// Attached to the context by middleware once the tenant has been resolved
// against the control plane.
type Space struct {
	TenantID uuid.UUID
	Slug     string
	Conn     persistence.ConnectionRecord
}

type ctxKey string

const spaceKey ctxKey = "NARTHEX_TENANT_SPACE"

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, spaceKey, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	v := ctx.Value(spaceKey)
	if v == nil {
		return Space{}, false
	}

	space, ok := v.(Space)
	return space, ok
}
