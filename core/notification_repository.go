package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const NotificationKindRegistration = "registration"

const (
	NotificationPending = "pending"
	NotificationSending = "sending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

var ErrNotificationNotPending = errors.New("notification is not pending")

type Notification struct {
	ID         int64
	Kind       string
	Recipient  string
	Status     string
	RetryCount int
	LastError  *string
	CreatedAt  time.Time
}

type NotificationRepository interface {
	Create(ctx context.Context, kind, recipient string) (int64, error)
	// AcquirePending moves a pending notification to sending. Any other status
	// yields ErrNotificationNotPending.
	AcquirePending(ctx context.Context, id int64) (*Notification, error)
	MarkStatus(ctx context.Context, id int64, status string, lastError *string) error
	// ReleaseSending moves a sending notification back to pending and reports
	// whether a row changed.
	ReleaseSending(ctx context.Context, id int64) (bool, error)
	IncrementRetry(ctx context.Context, id int64) (int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type PgNotificationRepository struct {
	db *pgxpool.Pool
}

func NewPgNotificationRepository(db *pgxpool.Pool) *PgNotificationRepository {
	return &PgNotificationRepository{db: db}
}

func (r *PgNotificationRepository) Create(ctx context.Context, kind, recipient string) (int64, error) {
	const q = `INSERT INTO notifications (kind, recipient, status) VALUES ($1,$2,'pending') RETURNING id`
	var id int64
	if err := r.db.QueryRow(ctx, q, kind, recipient).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PgNotificationRepository) AcquirePending(ctx context.Context, id int64) (*Notification, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT id, kind, recipient, status, retry_count, last_error, created_at FROM notifications WHERE id=$1 FOR UPDATE`
	var n Notification
	if err := tx.QueryRow(ctx, sel, id).Scan(&n.ID, &n.Kind, &n.Recipient, &n.Status, &n.RetryCount, &n.LastError, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotPending
		}
		return nil, err
	}
	if n.Status != NotificationPending {
		return nil, ErrNotificationNotPending
	}
	if _, err := tx.Exec(ctx, `UPDATE notifications SET status='sending', updated_at=NOW() WHERE id=$1`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	n.Status = NotificationSending
	return &n, nil
}

func (r *PgNotificationRepository) MarkStatus(ctx context.Context, id int64, status string, lastError *string) error {
	if status == "" {
		return errors.New("status is empty")
	}
	const q = `UPDATE notifications SET status=$1, last_error=COALESCE($2, last_error), updated_at=NOW() WHERE id=$3`
	ct, err := r.db.Exec(ctx, q, status, lastError, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("notification not found")
	}
	return nil
}

func (r *PgNotificationRepository) ReleaseSending(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE notifications SET status='pending', updated_at=NOW() WHERE id=$1 AND status='sending'`
	ct, err := r.db.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// IncrementRetry increments retry_count and returns the latest value.
func (r *PgNotificationRepository) IncrementRetry(ctx context.Context, id int64) (int, error) {
	const q = `UPDATE notifications SET retry_count = retry_count + 1, updated_at=NOW() WHERE id=$1 RETURNING retry_count`
	var count int
	if err := r.db.QueryRow(ctx, q, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PgNotificationRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
