package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewdesk/crewdesk/internal/platform/db"
)

const pgUniqueViolation = "23505"

// StorePort defines the persistence operations required by the Service.
type StorePort interface {
	CreateRole(ctx context.Context, name, description, color string) (Role, error)
	DeleteRole(ctx context.Context, name RoleName) (bool, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	CreatePermission(ctx context.Context, name, description, category string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	AssignPermission(ctx context.Context, roleID, permissionID int64) error
	RevokePermission(ctx context.Context, roleID, permissionID int64) error
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionNames []string) (int, error)
	PermissionsForRole(ctx context.Context, roleName string) ([]string, error)
	PermissionsForRoleID(ctx context.Context, roleID int64) ([]Permission, error)
	PermissionMatrix(ctx context.Context) (Matrix, error)
}

// Store provides PostgreSQL backed persistence for roles, permissions and
// their assignments.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ StorePort = (*Store)(nil)

// CreateRole inserts a new role. Returns ErrDuplicateName when the name is
// already taken.
func (s *Store) CreateRole(ctx context.Context, name, description, color string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	var role Role
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, color, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, name, description, color, created_at, updated_at`,
		name, strings.TrimSpace(description), color,
	).Scan(&role.ID, &role.Name, &role.Description, &role.Color, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("%w: role %q", ErrDuplicateName, name)
		}
		return Role{}, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

// DeleteRole removes a role and its permission assignments. Built-in roles
// are rejected with ErrProtectedRole. Returns false when the role did not
// exist.
func (s *Store) DeleteRole(ctx context.Context, name RoleName) (bool, error) {
	if name.IsBuiltIn() {
		return false, fmt.Errorf("%w: %s", ErrProtectedRole, name)
	}
	var deleted bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM role_permissions
			WHERE role_id = (SELECT id FROM roles WHERE name = $1)`, name.String()); err != nil {
			return fmt.Errorf("delete role assignments: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE name = $1`, name.String())
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, color, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Color, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.scanRole(s.pool.QueryRow(ctx, `
		SELECT id, name, description, color, created_at, updated_at
		FROM roles WHERE id = $1`, id))
}

// GetRoleByName fetches a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.scanRole(s.pool.QueryRow(ctx, `
		SELECT id, name, description, color, created_at, updated_at
		FROM roles WHERE name = $1`, strings.ToLower(strings.TrimSpace(name))))
}

func (s *Store) scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Color, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, fmt.Errorf("scan role: %w", err)
	}
	return role, nil
}

// CreatePermission inserts a new permission into the catalog.
func (s *Store) CreatePermission(ctx context.Context, name, description, category string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Permission{}, errors.New("rbac: permission name required")
	}
	var perm Permission
	err := s.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, description, category)
		VALUES ($1, $2, $3)
		RETURNING id, name, description, category`,
		name, strings.TrimSpace(description), category,
	).Scan(&perm.ID, &perm.Name, &perm.Description, &perm.Category)
	if err != nil {
		if isUniqueViolation(err) {
			return Permission{}, fmt.Errorf("%w: permission %q", ErrDuplicateName, name)
		}
		return Permission{}, fmt.Errorf("insert permission: %w", err)
	}
	return perm, nil
}

// ListPermissions returns the whole permission catalog ordered by category
// then name.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, category
		FROM permissions ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.Category); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return perms, nil
}

// AssignPermission grants a permission to a role. Re-assigning an existing
// pair is a no-op.
func (s *Store) AssignPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("assign permission: %w", err)
	}
	return nil
}

// RevokePermission removes a permission from a role.
func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// ReplaceRolePermissions atomically replaces the role's assignments with the
// supplied permission names. Names missing from the catalog fail the whole
// operation with UnknownPermissionsError before anything is deleted.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionNames []string) (int, error) {
	normalized := make([]string, 0, len(permissionNames))
	for _, name := range permissionNames {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			normalized = append(normalized, name)
		}
	}

	var count int
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		ids, unknown, err := resolvePermissionIDs(ctx, tx, normalized)
		if err != nil {
			return err
		}
		if len(unknown) > 0 {
			return &UnknownPermissionsError{Names: unknown}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("clear role permissions: %w", err)
		}
		for _, permID := range ids {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, created_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permID); err != nil {
				return fmt.Errorf("attach permission: %w", err)
			}
		}
		count = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func resolvePermissionIDs(ctx context.Context, tx pgx.Tx, names []string) ([]int64, []string, error) {
	if len(names) == 0 {
		return nil, nil, nil
	}
	rows, err := tx.Query(ctx, `SELECT id, name FROM permissions WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve permissions: %w", err)
	}
	defer rows.Close()
	found := make(map[string]int64, len(names))
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, fmt.Errorf("scan permission id: %w", err)
		}
		found[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate permission ids: %w", err)
	}

	ids := make([]int64, 0, len(names))
	var unknown []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		id, ok := found[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		ids = append(ids, id)
	}
	return ids, unknown, nil
}

// PermissionsForRole returns the permission names granted to the named
// role. A role with no assignments, or no role at all, yields an empty set.
func (s *Store) PermissionsForRole(ctx context.Context, roleName string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.name
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles r ON r.id = rp.role_id
		WHERE r.name = $1
		ORDER BY p.name`, strings.ToLower(strings.TrimSpace(roleName)))
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan permission name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role permissions: %w", err)
	}
	return names, nil
}

// PermissionsForRoleID returns the full permission rows granted to a role.
func (s *Store) PermissionsForRoleID(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name, p.description, p.category
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.Category); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role permissions: %w", err)
	}
	return perms, nil
}

// PermissionMatrix returns every role's permission names, including roles
// with no assignments.
func (s *Store) PermissionMatrix(ctx context.Context) (Matrix, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.name, p.name
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		ORDER BY r.name, p.name`)
	if err != nil {
		return nil, fmt.Errorf("query permission matrix: %w", err)
	}
	defer rows.Close()
	matrix := make(Matrix)
	for rows.Next() {
		var (
			roleName string
			permName *string
		)
		if err := rows.Scan(&roleName, &permName); err != nil {
			return nil, fmt.Errorf("scan matrix row: %w", err)
		}
		if _, ok := matrix[roleName]; !ok {
			matrix[roleName] = []string{}
		}
		if permName != nil {
			matrix[roleName] = append(matrix[roleName], *permName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matrix rows: %w", err)
	}
	return matrix, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
