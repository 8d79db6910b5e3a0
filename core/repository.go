package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	usernameUniqueConstraint = "users_username_key"
	emailUniqueConstraint    = "users_email_key"
	pgUniqueViolation        = "23505"
)

// PgUserRepository implements CredentialStore using pgxpool.
type PgUserRepository struct {
	db *pgxpool.Pool
}

func NewPgUserRepository(db *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{db: db}
}

func (r *PgUserRepository) FindByUsername(ctx context.Context, username string) (*CredentialRecord, error) {
	const q = `SELECT id, username, email, password_hash, created_at FROM users WHERE username=$1`
	return r.findOne(ctx, q, username)
}

func (r *PgUserRepository) FindByID(ctx context.Context, id int64) (*CredentialRecord, error) {
	const q = `SELECT id, username, email, password_hash, created_at FROM users WHERE id=$1`
	return r.findOne(ctx, q, id)
}

func (r *PgUserRepository) findOne(ctx context.Context, q string, arg any) (*CredentialRecord, error) {
	var u CredentialRecord
	if err := r.db.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	roles, err := loadRoles(ctx, r.db, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (r *PgUserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM users WHERE email=$1)`
	var exists bool
	if err := r.db.QueryRow(ctx, q, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Save writes the user row and its role links in one transaction.
func (r *PgUserRepository) Save(ctx context.Context, rec CredentialRecord) (CredentialRecord, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CredentialRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if rec.ID == 0 {
		const q = `INSERT INTO users (username, email, password_hash) VALUES ($1,$2,$3) RETURNING id, created_at`
		if err := tx.QueryRow(ctx, q, rec.Username, rec.Email, rec.PasswordHash).Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return CredentialRecord{}, mapUserConstraint(err)
		}
	} else {
		const q = `UPDATE users SET username=$1, email=$2, password_hash=$3 WHERE id=$4 RETURNING created_at`
		if err := tx.QueryRow(ctx, q, rec.Username, rec.Email, rec.PasswordHash, rec.ID).Scan(&rec.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return CredentialRecord{}, ErrNotFound
			}
			return CredentialRecord{}, mapUserConstraint(err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id=$1`, rec.ID); err != nil {
			return CredentialRecord{}, err
		}
	}

	for i, role := range rec.Roles {
		if role.ID == 0 {
			const q = `INSERT INTO roles (name, permissions) VALUES ($1,$2) RETURNING id`
			perms := lo.Map(role.Permissions, func(p PermissionType, _ int) string { return string(p) })
			if err := tx.QueryRow(ctx, q, role.Name, perms).Scan(&rec.Roles[i].ID); err != nil {
				return CredentialRecord{}, fmt.Errorf("insert role %s: %w", role.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, rec.ID, rec.Roles[i].ID); err != nil {
			return CredentialRecord{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CredentialRecord{}, err
	}
	return rec, nil
}

func (r *PgUserRepository) FindByRoleName(ctx context.Context, roleName string) ([]CredentialRecord, error) {
	const q = `
SELECT DISTINCT u.id, u.username, u.email, u.password_hash, u.created_at
FROM users u
JOIN user_roles ur ON ur.user_id = u.id
JOIN roles r ON r.id = ur.role_id
WHERE r.name = $1
ORDER BY u.id`
	rows, err := r.db.Query(ctx, q, roleName)
	if err != nil {
		return nil, err
	}
	var out []CredentialRecord
	for rows.Next() {
		var u CredentialRecord
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		roles, err := loadRoles(ctx, r.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Roles = roles
	}
	return out, nil
}

func (r *PgUserRepository) HasPermission(ctx context.Context, perm PermissionType) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE $1 = ANY(r.permissions))`
	var has bool
	if err := r.db.QueryRow(ctx, q, string(perm)).Scan(&has); err != nil {
		return false, err
	}
	return has, nil
}

// List returns paginated users without password hash.
func (r *PgUserRepository) List(ctx context.Context, page, perPage int) ([]UserListItem, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, username, email, created_at FROM users ORDER BY id LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]UserListItem, 0, perPage)
	for rows.Next() {
		var u UserListItem
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func loadRoles(ctx context.Context, db *pgxpool.Pool, userID int64) ([]Role, error) {
	const q = `SELECT r.id, r.name, r.permissions FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id=$1 ORDER BY r.id`
	rows, err := db.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		var perms []string
		if err := rows.Scan(&role.ID, &role.Name, &perms); err != nil {
			return nil, err
		}
		role.Permissions = parsePermissions(perms)
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// parsePermissions drops values outside the enumeration instead of failing the load.
func parsePermissions(raw []string) []PermissionType {
	out := make([]PermissionType, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePermission(s)
		if err != nil {
			log.WithField("permission", s).Warn("ignoring unknown stored permission")
			continue
		}
		out = append(out, p)
	}
	return out
}

func mapUserConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case usernameUniqueConstraint:
			return ErrUserExists
		case emailUniqueConstraint:
			return ErrEmailExists
		}
	}
	return err
}

var _ CredentialStore = (*PgUserRepository)(nil)
