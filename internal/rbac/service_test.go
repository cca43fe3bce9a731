package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewdesk/internal/shared"
	_ "github.com/crewdesk/crewdesk/testing"
)

type memoryStore struct {
	roles  map[int64]Role
	perms  map[int64]Permission
	grants map[int64]map[int64]struct{}
	nextID int64

	// roleReads counts PermissionsForRole calls per role name so tests can
	// observe cache hits and misses.
	roleReads map[string]int
	failReads error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roles:     make(map[int64]Role),
		perms:     make(map[int64]Permission),
		grants:    make(map[int64]map[int64]struct{}),
		roleReads: make(map[string]int),
	}
}

func (m *memoryStore) CreateRole(ctx context.Context, name, description, color string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range m.roles {
		if r.Name == name {
			return Role{}, fmt.Errorf("%w: role %q", ErrDuplicateName, name)
		}
	}
	m.nextID++
	role := Role{ID: m.nextID, Name: name, Description: description, Color: color, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.roles[role.ID] = role
	m.grants[role.ID] = make(map[int64]struct{})
	return role, nil
}

func (m *memoryStore) DeleteRole(ctx context.Context, name RoleName) (bool, error) {
	if name.IsBuiltIn() {
		return false, fmt.Errorf("%w: %s", ErrProtectedRole, name)
	}
	for id, r := range m.roles {
		if r.Name == name.String() {
			delete(m.roles, id)
			delete(m.grants, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	roles := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (m *memoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (m *memoryStore) GetRoleByName(ctx context.Context, name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, ErrRoleNotFound
}

func (m *memoryStore) CreatePermission(ctx context.Context, name, description, category string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range m.perms {
		if p.Name == name {
			return Permission{}, fmt.Errorf("%w: permission %q", ErrDuplicateName, name)
		}
	}
	m.nextID++
	perm := Permission{ID: m.nextID, Name: name, Description: description, Category: category}
	m.perms[perm.ID] = perm
	return perm, nil
}

func (m *memoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (m *memoryStore) AssignPermission(ctx context.Context, roleID, permissionID int64) error {
	if _, ok := m.grants[roleID]; !ok {
		m.grants[roleID] = make(map[int64]struct{})
	}
	m.grants[roleID][permissionID] = struct{}{}
	return nil
}

func (m *memoryStore) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	delete(m.grants[roleID], permissionID)
	return nil
}

func (m *memoryStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionNames []string) (int, error) {
	ids := make([]int64, 0, len(permissionNames))
	var unknown []string
	for _, name := range permissionNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		found := false
		for id, p := range m.perms {
			if p.Name == name {
				ids = append(ids, id)
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return 0, &UnknownPermissionsError{Names: unknown}
	}
	m.grants[roleID] = make(map[int64]struct{})
	for _, id := range ids {
		m.grants[roleID][id] = struct{}{}
	}
	return len(m.grants[roleID]), nil
}

func (m *memoryStore) PermissionsForRole(ctx context.Context, roleName string) ([]string, error) {
	m.roleReads[roleName]++
	if m.failReads != nil {
		return nil, m.failReads
	}
	role, err := m.GetRoleByName(ctx, roleName)
	if err != nil {
		return nil, nil
	}
	var names []string
	for id := range m.grants[role.ID] {
		names = append(names, m.perms[id].Name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStore) PermissionsForRoleID(ctx context.Context, roleID int64) ([]Permission, error) {
	var perms []Permission
	for id := range m.grants[roleID] {
		perms = append(perms, m.perms[id])
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (m *memoryStore) PermissionMatrix(ctx context.Context) (Matrix, error) {
	matrix := make(Matrix, len(m.roles))
	for _, r := range m.roles {
		names, _ := m.PermissionsForRole(ctx, r.Name)
		if names == nil {
			names = []string{}
		}
		matrix[r.Name] = names
	}
	return matrix, nil
}

type stubDirectory struct {
	roles map[int64]string
	err   error
}

func (d *stubDirectory) RoleOf(ctx context.Context, userID int64) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	role, ok := d.roles[userID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return role, nil
}

func seedStore(t *testing.T, store *memoryStore) map[string]Role {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{
		shared.PermProjectCreation, shared.PermProjectEdit, shared.PermProjectDeletion,
		shared.PermTaskCreation, shared.PermTaskEdit, shared.PermTaskDeletion,
		shared.PermTeamView, shared.PermAttendanceView, shared.PermAttendanceManagement,
		shared.PermUserManagement, shared.PermManageRoles, shared.PermViewReports,
		shared.PermSystemSettings,
	} {
		_, err := store.CreatePermission(ctx, name, "", "Core")
		require.NoError(t, err)
	}

	roles := make(map[string]Role)
	for name, perms := range map[string][]string{
		RoleAdmin:   shared.CoreScopes(),
		RoleManager: {shared.PermProjectCreation, shared.PermProjectEdit, shared.PermTaskCreation, shared.PermTaskEdit, shared.PermTeamView, shared.PermAttendanceView, shared.PermAttendanceManagement, shared.PermViewReports},
		RoleUser:    {shared.PermTaskCreation, shared.PermTaskEdit, shared.PermTeamView, shared.PermAttendanceView},
		RoleGuest:   {shared.PermTeamView},
	} {
		role, err := store.CreateRole(ctx, name, "", "#000000")
		require.NoError(t, err)
		_, err = store.ReplaceRolePermissions(ctx, role.ID, perms)
		require.NoError(t, err)
		roles[name] = role
	}
	return roles
}

func newTestService(t *testing.T, store *memoryStore, dir UserDirectory, ttl time.Duration) *Service {
	t.Helper()
	if dir == nil {
		dir = &stubDirectory{}
	}
	return NewService(store, dir, ServiceOptions{CacheTTL: ttl})
}

func TestHasPermissionMembership(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)
	ctx := context.Background()

	allowed, err := svc.HasPermission(ctx, RoleManager, shared.PermProjectCreation)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.HasPermission(ctx, RoleManager, shared.PermProjectDeletion)
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = svc.HasPermission(ctx, RoleGuest, shared.PermTaskCreation)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHasPermissionNormalizesInput(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	allowed, err := svc.HasPermission(context.Background(), "  Manager ", " Project_Creation ")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestHasPermissionUnknownRole(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	allowed, err := svc.HasPermission(context.Background(), "intern", shared.PermTeamView)
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = svc.HasPermission(context.Background(), "", shared.PermTeamView)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHasPermissionStoreErrorPropagates(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	store.failReads = errors.New("connection refused")
	svc := newTestService(t, store, nil, time.Minute)

	allowed, err := svc.HasPermission(context.Background(), RoleManager, shared.PermTeamView)
	require.Error(t, err)
	require.False(t, allowed)
}

func TestPermissionSetCached(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.HasPermission(ctx, RoleManager, shared.PermTeamView)
		require.NoError(t, err)
	}
	require.Equal(t, 1, store.roleReads[RoleManager])
}

func TestPermissionSetExpires(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, 30*time.Millisecond)
	ctx := context.Background()

	_, err := svc.HasPermission(ctx, RoleManager, shared.PermTeamView)
	require.NoError(t, err)
	require.Equal(t, 1, store.roleReads[RoleManager])

	time.Sleep(60 * time.Millisecond)

	_, err = svc.HasPermission(ctx, RoleManager, shared.PermTeamView)
	require.NoError(t, err)
	require.Equal(t, 2, store.roleReads[RoleManager])
}

func TestHasPermissionByID(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	dir := &stubDirectory{roles: map[int64]string{7: RoleManager}}
	svc := newTestService(t, store, dir, time.Minute)
	ctx := context.Background()

	allowed, err := svc.HasPermissionByID(ctx, 7, shared.PermProjectCreation)
	require.NoError(t, err)
	require.True(t, allowed)

	// Missing user fails closed without an error.
	allowed, err = svc.HasPermissionByID(ctx, 99, shared.PermProjectCreation)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHasPermissionByIDDirectoryErrorPropagates(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	dir := &stubDirectory{err: errors.New("directory down")}
	svc := newTestService(t, store, dir, time.Minute)

	_, err := svc.HasPermissionByID(context.Background(), 7, shared.PermProjectCreation)
	require.Error(t, err)
}

func TestHasAnyPermissionByID(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	dir := &stubDirectory{roles: map[int64]string{3: RoleUser}}
	svc := newTestService(t, store, dir, time.Minute)
	ctx := context.Background()

	allowed, err := svc.HasAnyPermissionByID(ctx, 3, []string{shared.PermUserManagement, shared.PermTeamView})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.HasAnyPermissionByID(ctx, 3, []string{shared.PermUserManagement, shared.PermManageRoles})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCustomRoleLifecycle(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "qa_lead", "Runs the QA queue", "#f59e0b")
	require.NoError(t, err)

	// A fresh role grants nothing.
	allowed, err := svc.HasPermission(ctx, "qa_lead", shared.PermTaskEdit)
	require.NoError(t, err)
	require.False(t, allowed)

	count, err := svc.ReplaceRolePermissions(ctx, role.ID, []string{shared.PermTaskEdit, shared.PermViewReports})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	allowed, err = svc.HasPermission(ctx, "qa_lead", shared.PermTaskEdit)
	require.NoError(t, err)
	require.True(t, allowed)

	deleted, err := svc.DeleteRole(ctx, "qa_lead")
	require.NoError(t, err)
	require.True(t, deleted)

	allowed, err = svc.HasPermission(ctx, "qa_lead", shared.PermTaskEdit)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestDeleteRoleMissing(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	deleted, err := svc.DeleteRole(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestDeleteBuiltInRoleRejected(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	for _, name := range []string{RoleAdmin, RoleManager, RoleUser, RoleGuest} {
		_, err := svc.DeleteRole(context.Background(), name)
		require.ErrorIs(t, err, ErrProtectedRole, "role %s", name)
	}
}

func TestCreateRoleDuplicateName(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	_, err := svc.CreateRole(context.Background(), "Manager", "", "#ffffff")
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestReplaceRolePermissionsAdminImmutable(t *testing.T) {
	store := newMemoryStore()
	roles := seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	_, err := svc.ReplaceRolePermissions(context.Background(), roles[RoleAdmin].ID, []string{shared.PermTeamView})
	require.ErrorIs(t, err, ErrProtectedRole)

	// Admin keeps the full set.
	perms, err := store.PermissionsForRole(context.Background(), RoleAdmin)
	require.NoError(t, err)
	require.Len(t, perms, len(shared.CoreScopes()))
}

func TestReplaceRolePermissionsUnknownNames(t *testing.T) {
	store := newMemoryStore()
	roles := seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	_, err := svc.ReplaceRolePermissions(context.Background(), roles[RoleUser].ID, []string{shared.PermTeamView, "teleportation"})
	var unknown *UnknownPermissionsError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"teleportation"}, unknown.Names)

	// Nothing changed.
	perms, err := store.PermissionsForRole(context.Background(), RoleUser)
	require.NoError(t, err)
	require.Contains(t, perms, shared.PermTaskCreation)
}

func TestReplaceRolePermissionsIdempotent(t *testing.T) {
	store := newMemoryStore()
	roles := seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)
	ctx := context.Background()

	set := []string{shared.PermTeamView, shared.PermViewReports}
	first, err := svc.ReplaceRolePermissions(ctx, roles[RoleGuest].ID, set)
	require.NoError(t, err)
	second, err := svc.ReplaceRolePermissions(ctx, roles[RoleGuest].ID, set)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestReplaceRolePermissionsInvalidatesCache(t *testing.T) {
	store := newMemoryStore()
	roles := seedStore(t, store)
	svc := newTestService(t, store, nil, time.Hour)
	ctx := context.Background()

	allowed, err := svc.HasPermission(ctx, RoleGuest, shared.PermViewReports)
	require.NoError(t, err)
	require.False(t, allowed)

	_, err = svc.ReplaceRolePermissions(ctx, roles[RoleGuest].ID, []string{shared.PermTeamView, shared.PermViewReports})
	require.NoError(t, err)

	// The stale cached set must not survive the mutation.
	allowed, err = svc.HasPermission(ctx, RoleGuest, shared.PermViewReports)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAssignAndRevokeInvalidateCache(t *testing.T) {
	store := newMemoryStore()
	roles := seedStore(t, store)
	svc := newTestService(t, store, nil, time.Hour)
	ctx := context.Background()

	var reportsID int64
	for id, p := range store.perms {
		if p.Name == shared.PermViewReports {
			reportsID = id
		}
	}
	require.NotZero(t, reportsID)

	allowed, err := svc.HasPermission(ctx, RoleUser, shared.PermViewReports)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, svc.AssignPermission(ctx, roles[RoleUser].ID, reportsID))
	allowed, err = svc.HasPermission(ctx, RoleUser, shared.PermViewReports)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, svc.RevokePermission(ctx, roles[RoleUser].ID, reportsID))
	allowed, err = svc.HasPermission(ctx, RoleUser, shared.PermViewReports)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestUpdateAllRolePermissions(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Hour)
	ctx := context.Background()

	// Warm the cache so the bulk purge is observable.
	_, err := svc.HasPermission(ctx, RoleGuest, shared.PermViewReports)
	require.NoError(t, err)

	err = svc.UpdateAllRolePermissions(ctx, Matrix{
		RoleGuest: {shared.PermTeamView, shared.PermViewReports},
		RoleUser:  {shared.PermTaskCreation},
	})
	require.NoError(t, err)

	allowed, err := svc.HasPermission(ctx, RoleGuest, shared.PermViewReports)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.HasPermission(ctx, RoleUser, shared.PermTaskEdit)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestUpdateAllRolePermissionsRejectsAdmin(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	err := svc.UpdateAllRolePermissions(context.Background(), Matrix{
		RoleAdmin: {shared.PermTeamView},
	})
	require.ErrorIs(t, err, ErrProtectedRole)
}

func TestUpdateAllRolePermissionsUnknownRole(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store)
	svc := newTestService(t, store, nil, time.Minute)

	err := svc.UpdateAllRolePermissions(context.Background(), Matrix{
		"phantom": {shared.PermTeamView},
	})
	require.ErrorIs(t, err, ErrRoleNotFound)
}
