package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const matchKeyUniqueConstraint = "questions_match_key_key"

const questionColumns = `id, name, description, image_url, difficulty, category, created_at, updated_at`

type PgQuestionRepository struct {
	db *pgxpool.Pool
}

func NewPgQuestionRepository(db *pgxpool.Pool) *PgQuestionRepository {
	return &PgQuestionRepository{db: db}
}

func scanQuestion(row pgx.Row, q *Question) error {
	return row.Scan(&q.ID, &q.Name, &q.Description, &q.ImageURL, &q.Difficulty, &q.Category, &q.CreatedAt, &q.UpdatedAt)
}

func (r *PgQuestionRepository) FindByID(ctx context.Context, id int64) (*Question, error) {
	var q Question
	if err := scanQuestion(r.db.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=$1`, id), &q); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// MatchesExisting narrows by match key, then confirms with IsDuplicate.
func (r *PgQuestionRepository) MatchesExisting(ctx context.Context, candidate Question) (bool, error) {
	const q = `SELECT ` + questionColumns + ` FROM questions WHERE match_key=$1 AND id<>$2`
	rows, err := r.db.Query(ctx, q, MatchKey(candidate), candidate.ID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	var existing []Question
	for rows.Next() {
		var e Question
		if err := scanQuestion(rows, &e); err != nil {
			return false, err
		}
		existing = append(existing, e)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return ContainsDuplicate(candidate, existing), nil
}

func (r *PgQuestionRepository) Save(ctx context.Context, q Question) (Question, error) {
	key := MatchKey(q)
	if q.ID == 0 {
		const insertQ = `INSERT INTO questions (name, description, image_url, difficulty, category, match_key)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at, updated_at`
		if err := r.db.QueryRow(ctx, insertQ, q.Name, q.Description, q.ImageURL, q.Difficulty, q.Category, key).
			Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return Question{}, mapQuestionConstraint(err)
		}
		return q, nil
	}
	const updateQ = `UPDATE questions
SET name=$1, description=$2, image_url=$3, difficulty=$4, category=$5, match_key=$6, updated_at=now()
WHERE id=$7 RETURNING created_at, updated_at`
	if err := r.db.QueryRow(ctx, updateQ, q.Name, q.Description, q.ImageURL, q.Difficulty, q.Category, key, q.ID).
		Scan(&q.CreatedAt, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Question{}, ErrNotFound
		}
		return Question{}, mapQuestionConstraint(err)
	}
	return q, nil
}

func (r *PgQuestionRepository) DeleteByID(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM questions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgQuestionRepository) Random(ctx context.Context, n int) ([]Question, error) {
	rows, err := r.db.Query(ctx, `SELECT `+questionColumns+` FROM questions ORDER BY random() LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		if err := scanQuestion(rows, &q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *PgQuestionRepository) List(ctx context.Context, page, perPage int) ([]Question, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+questionColumns+` FROM questions ORDER BY id LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]Question, 0, perPage)
	for rows.Next() {
		var q Question
		if err := scanQuestion(rows, &q); err != nil {
			return nil, 0, err
		}
		items = append(items, q)
	}
	return items, total, rows.Err()
}

func (r *PgQuestionRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM questions`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func mapQuestionConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == matchKeyUniqueConstraint {
		return ErrDuplicateContent
	}
	return err
}

var _ ContentStore = (*PgQuestionRepository)(nil)
