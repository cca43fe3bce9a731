package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewdesk/internal/rbac"
	_ "github.com/crewdesk/crewdesk/testing"
)

// matrixStore satisfies rbac.StorePort with a fixed matrix; the sync job only
// reads the matrix.
type matrixStore struct {
	matrix rbac.Matrix
	err    error
}

func (s *matrixStore) CreateRole(ctx context.Context, name, description, color string) (rbac.Role, error) {
	return rbac.Role{}, errors.New("not implemented")
}

func (s *matrixStore) DeleteRole(ctx context.Context, name rbac.RoleName) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *matrixStore) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return nil, errors.New("not implemented")
}

func (s *matrixStore) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return rbac.Role{}, errors.New("not implemented")
}

func (s *matrixStore) GetRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	return rbac.Role{}, errors.New("not implemented")
}

func (s *matrixStore) CreatePermission(ctx context.Context, name, description, category string) (rbac.Permission, error) {
	return rbac.Permission{}, errors.New("not implemented")
}

func (s *matrixStore) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return nil, errors.New("not implemented")
}

func (s *matrixStore) AssignPermission(ctx context.Context, roleID, permissionID int64) error {
	return errors.New("not implemented")
}

func (s *matrixStore) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	return errors.New("not implemented")
}

func (s *matrixStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionNames []string) (int, error) {
	return 0, errors.New("not implemented")
}

func (s *matrixStore) PermissionsForRole(ctx context.Context, roleName string) ([]string, error) {
	return s.matrix[roleName], nil
}

func (s *matrixStore) PermissionsForRoleID(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	return nil, errors.New("not implemented")
}

func (s *matrixStore) PermissionMatrix(ctx context.Context) (rbac.Matrix, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.matrix, nil
}

type noDirectory struct{}

func (noDirectory) RoleOf(ctx context.Context, userID int64) (string, error) {
	return "", errors.New("not implemented")
}

func TestEdgeSyncWritesSnapshot(t *testing.T) {
	store := &matrixStore{matrix: rbac.Matrix{
		"admin": {"team_view", "manage_roles"},
		"guest": {},
	}}
	svc := rbac.NewService(store, noDirectory{}, rbac.ServiceOptions{})
	path := filepath.Join(t.TempDir(), "edge_permissions.json")

	syncer := &EdgeSyncer{Service: svc, Path: path}
	require.NoError(t, syncer.Run(context.Background()))

	snap, err := rbac.LoadSnapshotFile(path)
	require.NoError(t, err)
	require.False(t, snap.GeneratedAt.IsZero())
	require.Equal(t, []string{"manage_roles", "team_view"}, snap.Roles["admin"])
	require.Empty(t, snap.Roles["guest"])
	require.True(t, snap.HasPermission("admin", "manage_roles"))
}

func TestEdgeSyncPropagatesStoreError(t *testing.T) {
	store := &matrixStore{err: errors.New("store down")}
	svc := rbac.NewService(store, noDirectory{}, rbac.ServiceOptions{})
	path := filepath.Join(t.TempDir(), "edge_permissions.json")

	syncer := &EdgeSyncer{Service: svc, Path: path}
	require.Error(t, syncer.Run(context.Background()))

	_, err := rbac.LoadSnapshotFile(path)
	require.Error(t, err, "no snapshot may be written on failure")
}

func TestNewEdgeSyncTask(t *testing.T) {
	task, err := NewEdgeSyncTask()
	require.NoError(t, err)
	require.Equal(t, TaskTypeEdgeSync, task.Type())
}
