package core

import (
	"context"
	"time"
)

// CredentialRecord is a stored user account.
type CredentialRecord struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email"`
	Roles        []Role    `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserListItem is a projection for admin user listing (no password hash).
type UserListItem struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialStore persists user records and their role assignments.
// Lookups return ErrNotFound when no record matches.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*CredentialRecord, error)
	FindByID(ctx context.Context, id int64) (*CredentialRecord, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	// Save inserts when rec.ID is zero and updates otherwise. Roles with a zero ID
	// are inserted as new role rows. Unique violations surface as ErrUserExists
	// or ErrEmailExists.
	Save(ctx context.Context, rec CredentialRecord) (CredentialRecord, error)
	FindByRoleName(ctx context.Context, roleName string) ([]CredentialRecord, error)
	HasPermission(ctx context.Context, perm PermissionType) (bool, error)
	List(ctx context.Context, page, perPage int) ([]UserListItem, int, error)
}
