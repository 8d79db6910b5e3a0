package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Difficulty grades a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// ParseDifficulty accepts any letter case.
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToUpper(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	}
	return "", newDomainError(KindValidation, fmt.Sprintf("unknown difficulty %q", s))
}

// Question is a quiz content record.
type Question struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ImageURL    string     `json:"image_url"`
	Difficulty  Difficulty `json:"difficulty"`
	Category    string     `json:"category"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ContentStore persists questions.
type ContentStore interface {
	FindByID(ctx context.Context, id int64) (*Question, error)
	// MatchesExisting reports whether a stored question other than candidate.ID
	// is a near-duplicate of candidate.
	MatchesExisting(ctx context.Context, candidate Question) (bool, error)
	// Save inserts when q.ID is zero and updates otherwise. A near-duplicate
	// written concurrently surfaces as ErrDuplicateContent.
	Save(ctx context.Context, q Question) (Question, error)
	DeleteByID(ctx context.Context, id int64) error
	Random(ctx context.Context, n int) ([]Question, error)
	List(ctx context.Context, page, perPage int) ([]Question, int, error)
	Count(ctx context.Context) (int, error)
}

const maxTestSize = 50

// QuestionService owns question creation, edits and test generation.
type QuestionService struct {
	store ContentStore
}

func NewQuestionService(store ContentStore) *QuestionService {
	return &QuestionService{store: store}
}

// normalizeQuestion trims fields and canonicalizes difficulty and category.
func normalizeQuestion(q Question) (Question, error) {
	q.Name = strings.TrimSpace(q.Name)
	q.Description = strings.TrimSpace(q.Description)
	q.ImageURL = strings.TrimSpace(q.ImageURL)
	q.Category = strings.ToUpper(strings.TrimSpace(q.Category))
	if q.Name == "" || q.Description == "" || q.ImageURL == "" || q.Category == "" {
		return Question{}, newDomainError(KindValidation, "name, description, image_url and category are required")
	}
	d, err := ParseDifficulty(string(q.Difficulty))
	if err != nil {
		return Question{}, err
	}
	q.Difficulty = d
	return q, nil
}

// CreateQuestion rejects near-duplicates of stored questions.
func (s *QuestionService) CreateQuestion(ctx context.Context, q Question) (Question, error) {
	q, err := normalizeQuestion(q)
	if err != nil {
		return Question{}, err
	}
	q.ID = 0
	dup, err := s.store.MatchesExisting(ctx, q)
	if err != nil {
		return Question{}, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		return Question{}, ErrDuplicateContent
	}
	saved, err := s.store.Save(ctx, q)
	if err != nil {
		return Question{}, err
	}
	log.WithFields(log.Fields{"question_id": saved.ID, "category": saved.Category}).Info("question added")
	return saved, nil
}

func (s *QuestionService) GetQuestion(ctx context.Context, id int64) (Question, error) {
	q, err := s.store.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return Question{}, newDomainError(KindNotFound, "question not found")
		}
		return Question{}, err
	}
	return *q, nil
}

// EditQuestion replaces the question with the given id.
func (s *QuestionService) EditQuestion(ctx context.Context, id int64, q Question) (Question, error) {
	if _, err := s.GetQuestion(ctx, id); err != nil {
		return Question{}, err
	}
	q, err := normalizeQuestion(q)
	if err != nil {
		return Question{}, err
	}
	q.ID = id
	dup, err := s.store.MatchesExisting(ctx, q)
	if err != nil {
		return Question{}, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		return Question{}, ErrDuplicateContent
	}
	saved, err := s.store.Save(ctx, q)
	if err != nil {
		return Question{}, err
	}
	log.WithField("question_id", id).Info("question edited")
	return saved, nil
}

func (s *QuestionService) DeleteQuestion(ctx context.Context, id int64) error {
	if _, err := s.GetQuestion(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	log.WithField("question_id", id).Info("question deleted")
	return nil
}

// RandomQuestion returns one stored question chosen at random.
func (s *QuestionService) RandomQuestion(ctx context.Context) (Question, error) {
	qs, err := s.store.Random(ctx, 1)
	if err != nil {
		return Question{}, err
	}
	if len(qs) == 0 {
		return Question{}, newDomainError(KindNotFound, "question list is empty")
	}
	return qs[0], nil
}

// GenerateTest picks up to n distinct random questions.
func (s *QuestionService) GenerateTest(ctx context.Context, n int) ([]Question, error) {
	if n <= 0 || n > maxTestSize {
		return nil, newDomainError(KindValidation, fmt.Sprintf("count must be between 1 and %d", maxTestSize))
	}
	qs, err := s.store.Random(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, newDomainError(KindNotFound, "question list is empty")
	}
	return qs, nil
}

func (s *QuestionService) ListQuestions(ctx context.Context, page, perPage int) ([]Question, int, error) {
	return s.store.List(ctx, page, perPage)
}
