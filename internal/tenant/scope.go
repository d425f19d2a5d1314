// Package tenant carries the tenant identifier through the engine and
// reactor so that a single process can run correlation/reaction for more
// than one tenant's module or handler fan-out without their stores or
// offsets colliding. Module and handler state is keyed by
// (tenant, name) and must never leak across tenants.
package tenant

import "context"

// Scope identifies the tenant a module/handler instance, checkpoint, or
// dispatched event belongs to.
type Scope struct {
	TenantID string
}

type scopeKey struct{}

// WithScope attaches a tenant scope to ctx.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// FromContext retrieves the tenant scope from ctx, or the zero Scope if
// none was attached.
func FromContext(ctx context.Context) Scope {
	scope, _ := ctx.Value(scopeKey{}).(Scope)
	return scope
}

// FQName builds the "tenant.name" key used for module stores, checkpoint
// offsets, and handler credential lookups.
func (s Scope) FQName(name string) string {
	if s.TenantID == "" {
		return name
	}
	return s.TenantID + "." + name
}
