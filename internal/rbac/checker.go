package rbac

import "context"

// Checker answers a single permission membership question for a role. Both
// the store-backed Service and the frozen SnapshotChecker satisfy it; call
// sites pick one by context and only the guard needs to know which answer
// is authoritative.
type Checker interface {
	HasPermission(ctx context.Context, roleName, permissionName string) (bool, error)
}
