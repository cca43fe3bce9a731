package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/crewdesk/crewdesk/internal/shared"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 256
)

// UserDirectory resolves a user's current role. Implemented by the users
// module; the engine treats the role as an opaque string key.
type UserDirectory interface {
	RoleOf(ctx context.Context, userID int64) (string, error)
}

// MetricsRecorder receives permission-check and cache events. Implementations
// must tolerate concurrent use.
type MetricsRecorder interface {
	PermissionCheck(source string, allowed bool)
	CacheLookup(hit bool)
}

// Check sources reported to the metrics recorder.
const (
	CheckSourceStore    = "store"
	CheckSourceSnapshot = "snapshot"
)

// Service is the authoritative permission service. It answers membership
// checks from a TTL'd per-role cache over the store and folds cache
// invalidation into every mutating operation. Store failures propagate to
// the caller; the service never converts them into a grant or a denial.
type Service struct {
	store   StorePort
	users   UserDirectory
	cache   *expirable.LRU[string, []string]
	ttl     time.Duration
	metrics MetricsRecorder
	logger  *slog.Logger
}

// ServiceOptions tune the cache and wiring of a Service.
type ServiceOptions struct {
	CacheTTL  time.Duration
	CacheSize int
	Metrics   MetricsRecorder
	Logger    *slog.Logger
}

// NewService constructs a Service owning a fresh cache. Each instance has an
// independent cache lifecycle so tests can build isolated services.
func NewService(store StorePort, users UserDirectory, opts ServiceOptions) *Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		users:   users,
		cache:   expirable.NewLRU[string, []string](size, nil, ttl),
		ttl:     ttl,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

var _ Checker = (*Service)(nil)

// HasPermission reports whether the named role grants the named permission.
// An unknown role is treated as having no permissions rather than as an
// error, so callers never crash on transitional role names. Store errors
// propagate unchanged.
func (s *Service) HasPermission(ctx context.Context, roleName, permissionName string) (bool, error) {
	role := ParseRoleName(roleName)
	if role.IsZero() {
		s.recordCheck(false)
		return false, nil
	}
	perms, err := s.permissionSet(ctx, role.String())
	if err != nil {
		return false, err
	}
	allowed := containsPermission(perms, permissionName)
	s.recordCheck(allowed)
	return allowed, nil
}

// HasPermissionByID resolves the user's current role and delegates to
// HasPermission. A missing user or empty role fails closed with false;
// infrastructure errors from the directory or store propagate.
func (s *Service) HasPermissionByID(ctx context.Context, userID int64, permissionName string) (bool, error) {
	roleName, err := s.users.RoleOf(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.logger.Debug("permission check for unknown user", slog.Int64("user_id", userID))
			s.recordCheck(false)
			return false, nil
		}
		return false, err
	}
	if roleName == "" {
		s.recordCheck(false)
		return false, nil
	}
	return s.HasPermission(ctx, roleName, permissionName)
}

// HasAnyPermissionByID reports whether the user's role grants at least one
// of the named permissions, resolving the role a single time.
func (s *Service) HasAnyPermissionByID(ctx context.Context, userID int64, permissionNames []string) (bool, error) {
	roleName, err := s.users.RoleOf(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.recordCheck(false)
			return false, nil
		}
		return false, err
	}
	role := ParseRoleName(roleName)
	if role.IsZero() {
		s.recordCheck(false)
		return false, nil
	}
	perms, err := s.permissionSet(ctx, role.String())
	if err != nil {
		return false, err
	}
	for _, name := range permissionNames {
		if containsPermission(perms, name) {
			s.recordCheck(true)
			return true, nil
		}
	}
	s.recordCheck(false)
	return false, nil
}

// PermissionsForRole returns the full permission rows granted to a role.
func (s *Service) PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	return s.store.PermissionsForRoleID(ctx, roleID)
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// CreateRole inserts a new role. The new role starts with no permissions so
// the cache needs no invalidation beyond dropping a possible stale entry
// left by an earlier role of the same name.
func (s *Service) CreateRole(ctx context.Context, name, description, color string) (Role, error) {
	role, err := s.store.CreateRole(ctx, name, description, color)
	if err != nil {
		return Role{}, err
	}
	s.cache.Remove(role.Name)
	return role, nil
}

// DeleteRole removes a custom role and drops its cache entry. Built-in
// roles are rejected by the store with ErrProtectedRole.
func (s *Service) DeleteRole(ctx context.Context, name string) (bool, error) {
	role := ParseRoleName(name)
	deleted, err := s.store.DeleteRole(ctx, role)
	if err != nil {
		return false, err
	}
	s.cache.Remove(role.String())
	return deleted, nil
}

// CreatePermission adds a permission to the catalog. No role grants it yet,
// so cached permission sets stay valid.
func (s *Service) CreatePermission(ctx context.Context, name, description, category string) (Permission, error) {
	return s.store.CreatePermission(ctx, name, description, category)
}

// AssignPermission grants a permission to a role and invalidates that
// role's cache entry.
func (s *Service) AssignPermission(ctx context.Context, roleID, permissionID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.AssignPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.cache.Remove(role.Name)
	return nil
}

// RevokePermission removes a grant and invalidates the role's cache entry.
func (s *Service) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.RevokePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.cache.Remove(role.Name)
	return nil
}

// ReplaceRolePermissions atomically replaces a role's permission set. The
// admin role's set is immutable.
func (s *Service) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionNames []string) (int, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if ParseRoleName(role.Name).IsAdmin() {
		return 0, fmt.Errorf("%w: admin permissions are immutable", ErrProtectedRole)
	}
	count, err := s.store.ReplaceRolePermissions(ctx, roleID, permissionNames)
	if err != nil {
		return 0, err
	}
	s.cache.Remove(role.Name)
	return count, nil
}

// UpdateAllRolePermissions applies a full matrix update. The admin row must
// not appear in the input. The cache is purged wholesale afterwards; per-role
// invalidation would be more calls than it is worth on a bulk edit.
func (s *Service) UpdateAllRolePermissions(ctx context.Context, matrix Matrix) error {
	for roleName := range matrix {
		if ParseRoleName(roleName).IsAdmin() {
			return fmt.Errorf("%w: admin permissions are immutable", ErrProtectedRole)
		}
	}
	for roleName, perms := range matrix {
		role, err := s.store.GetRoleByName(ctx, roleName)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				return fmt.Errorf("%w: %s", ErrRoleNotFound, roleName)
			}
			return err
		}
		if _, err := s.store.ReplaceRolePermissions(ctx, role.ID, perms); err != nil {
			return err
		}
	}
	s.ClearCache()
	return nil
}

// PermissionMatrix returns the ground-truth role to permission-names map.
func (s *Service) PermissionMatrix(ctx context.Context) (Matrix, error) {
	return s.store.PermissionMatrix(ctx)
}

// ClearCache drops every cached permission set.
func (s *Service) ClearCache() {
	s.cache.Purge()
}

// CacheTTL exposes the configured entry lifetime.
func (s *Service) CacheTTL() time.Duration {
	return s.ttl
}

// permissionSet resolves a role's permission names, reading through the
// cache. Two concurrent misses may both hit the store and both write the
// entry; the results are identical absent a concurrent mutation, so
// last-write-wins is fine.
func (s *Service) permissionSet(ctx context.Context, roleName string) ([]string, error) {
	if perms, ok := s.cache.Get(roleName); ok {
		s.recordCacheLookup(true)
		return perms, nil
	}
	s.recordCacheLookup(false)
	perms, err := s.store.PermissionsForRole(ctx, roleName)
	if err != nil {
		return nil, err
	}
	s.cache.Add(roleName, perms)
	return perms, nil
}

func (s *Service) recordCheck(allowed bool) {
	if s.metrics != nil {
		s.metrics.PermissionCheck(CheckSourceStore, allowed)
	}
}

func (s *Service) recordCacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.CacheLookup(hit)
	}
}

func containsPermission(perms []string, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range perms {
		if p == name {
			return true
		}
	}
	return false
}
