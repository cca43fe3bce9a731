// Package rbac implements role-based access control for Crewdesk: the
// role/permission store, the authoritative permission service with its
// process-local cache, the generated edge snapshot, and the HTTP guard.
package rbac

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	Color       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability. Category is a display
// grouping only and carries no authorization semantics.
type Permission struct {
	ID          int64
	Name        string
	Description string
	Category    string
}

// RolePermission ties a permission to a role. Existence of the row means
// the role grants the permission.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	CreatedAt    time.Time
}

// Matrix maps role names to their granted permission names.
type Matrix map[string][]string

// Built-in role names. These roles cannot be deleted, and the admin
// role's permission set cannot be edited.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
	RoleGuest   = "guest"
)

// RoleName distinguishes built-in roles from custom ones so protections
// are carried by the type instead of string comparisons at call sites.
type RoleName struct {
	name    string
	builtIn bool
}

// ParseRoleName normalizes a raw role name and classifies it.
func ParseRoleName(raw string) RoleName {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case RoleAdmin, RoleManager, RoleUser, RoleGuest:
		return RoleName{name: name, builtIn: true}
	}
	return RoleName{name: name}
}

// String returns the normalized role name.
func (r RoleName) String() string { return r.name }

// IsBuiltIn reports whether the role is one of the reserved names.
func (r RoleName) IsBuiltIn() bool { return r.builtIn }

// IsAdmin reports whether the role is the admin role.
func (r RoleName) IsAdmin() bool { return r.name == RoleAdmin }

// IsZero reports whether the name is empty.
func (r RoleName) IsZero() bool { return r.name == "" }

// Sentinel errors for store and service operations.
var (
	// ErrRoleNotFound indicates the requested role does not exist.
	ErrRoleNotFound = errors.New("rbac: role not found")
	// ErrDuplicateName indicates a role or permission with that name exists.
	ErrDuplicateName = errors.New("rbac: duplicate name")
	// ErrProtectedRole indicates a mutation against a built-in role.
	ErrProtectedRole = errors.New("rbac: protected role")
)

// UnknownPermissionsError reports permission names that do not exist in the
// permission catalog. Carried back to clients as the details payload.
type UnknownPermissionsError struct {
	Names []string
}

func (e *UnknownPermissionsError) Error() string {
	return fmt.Sprintf("rbac: unknown permissions: %s", strings.Join(e.Names, ", "))
}
