package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// ForbiddenError indicates the acting user lacks the required role or does
// not own the entity they are touching.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return e.Reason
}

// Principal is the authenticated caller resolved by the transport layer.
type Principal struct {
	UserID   string
	Username string
	Name     string
	Role     string
}

func (p Principal) IsAdmin() bool {
	return p.Role == "admin"
}

// RequireAdmin rejects non-admin principals.
func RequireAdmin(p Principal) error {
	if !p.IsAdmin() {
		return ForbiddenError{Reason: "admin role required"}
	}
	return nil
}

// RequireSelfOrAdmin allows admins and the owning user.
func RequireSelfOrAdmin(p Principal, ownerID string) error {
	if p.IsAdmin() || p.UserID == ownerID {
		return nil
	}
	return ForbiddenError{Reason: "not allowed for this user"}
}

// Service resolves principals against the users table.
type Service struct {
	DB *sql.DB
}

// Resolve loads a principal by user ID.
func (s Service) Resolve(ctx context.Context, userID string) (Principal, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,username,name,role FROM users WHERE id=?`, userID)
	var p Principal
	err := row.Scan(&p.UserID, &p.Username, &p.Name, &p.Role)
	if err == sql.ErrNoRows {
		return Principal{}, fmt.Errorf("unknown user %s", userID)
	}
	return p, err
}
