package core

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// memUserStore mirrors the unique constraints of the users table.
type memUserStore struct {
	mu         sync.Mutex
	users      map[int64]CredentialRecord
	nextUserID int64
	nextRoleID int64
	saves      int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[int64]CredentialRecord{}}
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) FindByID(_ context.Context, id int64) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *memUserStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SomeBy(lo.Values(s.users), func(u CredentialRecord) bool { return u.Email == email }), nil
}

func (s *memUserStore) Save(_ context.Context, rec CredentialRecord) (CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if id == rec.ID {
			continue
		}
		if u.Username == rec.Username {
			return CredentialRecord{}, ErrUserExists
		}
		if rec.Email != "" && u.Email == rec.Email {
			return CredentialRecord{}, ErrEmailExists
		}
	}
	if rec.ID == 0 {
		s.nextUserID++
		rec.ID = s.nextUserID
		rec.CreatedAt = time.Now()
	} else if _, ok := s.users[rec.ID]; !ok {
		return CredentialRecord{}, ErrNotFound
	}
	roles := make([]Role, len(rec.Roles))
	for i, r := range rec.Roles {
		if r.ID == 0 {
			s.nextRoleID++
			r.ID = s.nextRoleID
		}
		roles[i] = r
	}
	rec.Roles = roles
	s.users[rec.ID] = rec
	s.saves++
	return rec, nil
}

func (s *memUserStore) FindByRoleName(_ context.Context, roleName string) ([]CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Filter(lo.Values(s.users), func(u CredentialRecord, _ int) bool {
		return lo.SomeBy(u.Roles, func(r Role) bool { return r.Name == roleName })
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memUserStore) HasPermission(_ context.Context, perm PermissionType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SomeBy(lo.Values(s.users), func(u CredentialRecord) bool {
		return lo.SomeBy(u.Roles, func(r Role) bool { return r.Grants(perm) })
	}), nil
}

func (s *memUserStore) List(_ context.Context, page, perPage int) ([]UserListItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := lo.Map(lo.Values(s.users), func(u CredentialRecord, _ int) UserListItem {
		return UserListItem{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return lo.Slice(all, (page-1)*perPage, page*perPage), len(all), nil
}

func (s *memUserStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// memQuestionStore enforces match key uniqueness like questions_match_key_key.
type memQuestionStore struct {
	mu     sync.Mutex
	items  map[int64]Question
	nextID int64
	// beforeSave, when set, runs after the duplicate check window and before the write.
	beforeSave func()
}

func newMemQuestionStore() *memQuestionStore {
	return &memQuestionStore{items: map[int64]Question{}}
}

func (s *memQuestionStore) FindByID(_ context.Context, id int64) (*Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (s *memQuestionStore) MatchesExisting(_ context.Context, candidate Question) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	others := lo.Filter(lo.Values(s.items), func(q Question, _ int) bool { return q.ID != candidate.ID })
	return ContainsDuplicate(candidate, others), nil
}

func (s *memQuestionStore) Save(_ context.Context, q Question) (Question, error) {
	if s.beforeSave != nil {
		s.beforeSave()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := MatchKey(q)
	for id, existing := range s.items {
		if id != q.ID && MatchKey(existing) == key {
			return Question{}, ErrDuplicateContent
		}
	}
	now := time.Now()
	if q.ID == 0 {
		s.nextID++
		q.ID = s.nextID
		q.CreatedAt = now
	} else if prev, ok := s.items[q.ID]; ok {
		q.CreatedAt = prev.CreatedAt
	} else {
		return Question{}, ErrNotFound
	}
	q.UpdatedAt = now
	s.items[q.ID] = q
	return q, nil
}

func (s *memQuestionStore) DeleteByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *memQuestionStore) Random(_ context.Context, n int) ([]Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := lo.Values(s.items)
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return lo.Slice(all, 0, n), nil
}

func (s *memQuestionStore) List(_ context.Context, page, perPage int) ([]Question, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := lo.Values(s.items)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return lo.Slice(all, (page-1)*perPage, page*perPage), len(all), nil
}

func (s *memQuestionStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// memNotificationRepo follows the status transitions of the notifications table.
type memNotificationRepo struct {
	mu        sync.Mutex
	rows      map[int64]*Notification
	nextID    int64
	createErr error
	retryErr  error
}

func newMemNotificationRepo() *memNotificationRepo {
	return &memNotificationRepo{rows: map[int64]*Notification{}}
}

func (r *memNotificationRepo) Create(_ context.Context, kind, recipient string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return 0, r.createErr
	}
	r.nextID++
	r.rows[r.nextID] = &Notification{ID: r.nextID, Kind: kind, Recipient: recipient, Status: NotificationPending, CreatedAt: time.Now()}
	return r.nextID, nil
}

func (r *memNotificationRepo) AcquirePending(_ context.Context, id int64) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.Status != NotificationPending {
		return nil, ErrNotificationNotPending
	}
	n.Status = NotificationSending
	cp := *n
	return &cp, nil
}

func (r *memNotificationRepo) MarkStatus(_ context.Context, id int64, status string, lastError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return errors.New("notification not found")
	}
	n.Status = status
	if lastError != nil {
		n.LastError = lastError
	}
	return nil
}

func (r *memNotificationRepo) ReleaseSending(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.Status != NotificationSending {
		return false, nil
	}
	n.Status = NotificationPending
	return true, nil
}

func (r *memNotificationRepo) IncrementRetry(_ context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retryErr != nil {
		return 0, r.retryErr
	}
	n, ok := r.rows[id]
	if !ok {
		return 0, errors.New("notification not found")
	}
	n.RetryCount++
	return n.RetryCount, nil
}

func (r *memNotificationRepo) CountByStatus(_ context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, n := range r.rows {
		out[n.Status]++
	}
	return out, nil
}

func (r *memNotificationRepo) get(id int64) Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

type recordingNotifier struct {
	mu     sync.Mutex
	emails []string
	err    error
}

func (n *recordingNotifier) NotifyRegistrationSuccess(_ context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, email)
	return n.err
}

type fakeMailClient struct {
	mu   sync.Mutex
	sent []MailMessage
	err  error
}

func (m *fakeMailClient) Send(_ context.Context, msg MailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func testHasher() BcryptHasher {
	return NewBcryptHasher(bcrypt.MinCost)
}

func userRole() Role {
	return Role{Name: DefaultRoleName, Permissions: []PermissionType{GenerateTests}}
}

func adminRole() Role {
	return Role{Name: "ADMIN", Permissions: []PermissionType{GrandPermission}}
}

// seedUser stores a user with the given plaintext password and roles.
func seedUser(store *memUserStore, username, password, email string, roles ...Role) CredentialRecord {
	hash, err := testHasher().Hash(password)
	if err != nil {
		panic(err)
	}
	rec, err := store.Save(context.Background(), CredentialRecord{
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		Roles:        roles,
	})
	if err != nil {
		panic(err)
	}
	return rec
}
