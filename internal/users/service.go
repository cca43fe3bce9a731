package users

import (
	"context"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]User, int, error)
}

// Service handles user business logic. It also serves as the rbac engine's
// user directory: RoleOf exposes the single role name carried by each user.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// FindByID returns a single user.
func (s *Service) FindByID(ctx context.Context, id int64) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// ListUsers returns a page of users and the total count.
func (s *Service) ListUsers(ctx context.Context, offset, limit int) ([]User, int, error) {
	return s.repo.ListUsers(ctx, offset, limit)
}

// RoleOf resolves a user's current role name. Propagates shared.ErrNotFound
// for missing users so callers can fail closed.
func (s *Service) RoleOf(ctx context.Context, userID int64) (string, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}
