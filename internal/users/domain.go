package users

import "time"

// User represents a user account. Role is a single role name keyed into the
// roles table; Crewdesk is single-role-per-user.
type User struct {
	ID        int64
	Email     string
	Name      string
	Role      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
