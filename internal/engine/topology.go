package engine

import "github.com/dagainz/correlator/internal/module"

// Tenant is one tenant's ordered module list, bound at topology load
// time. Order matters: records are dispatched to modules in registration
// order, and the timer ticker walks the same order.
type Tenant struct {
	TenantID string
	Modules  []module.Module
}
