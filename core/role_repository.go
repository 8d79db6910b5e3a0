package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RoleListItem is a role row with the number of users holding it.
type RoleListItem struct {
	Role
	UserCount int `json:"user_count"`
}

type RoleRepository interface {
	List(ctx context.Context, page, perPage int) ([]RoleListItem, int, error)
}

type PgRoleRepository struct {
	db *pgxpool.Pool
}

func NewPgRoleRepository(db *pgxpool.Pool) *PgRoleRepository {
	return &PgRoleRepository{db: db}
}

// List returns roles ordered by name. Registration creates one USER row per
// account, so the same name usually appears many times.
func (r *PgRoleRepository) List(ctx context.Context, page, perPage int) ([]RoleListItem, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM roles`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `
SELECT r.id, r.name, r.permissions, COUNT(ur.user_id) AS user_count
FROM roles r
LEFT JOIN user_roles ur ON ur.role_id = r.id
GROUP BY r.id
ORDER BY r.name, r.id
LIMIT $1 OFFSET $2
`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]RoleListItem, 0, perPage)
	for rows.Next() {
		var item RoleListItem
		var perms []string
		if err := rows.Scan(&item.ID, &item.Name, &perms, &item.UserCount); err != nil {
			return nil, 0, err
		}
		item.Permissions = parsePermissions(perms)
		items = append(items, item)
	}
	return items, total, rows.Err()
}
