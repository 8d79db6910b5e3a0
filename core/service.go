package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRoleName is the role created for every self-registered account.
const DefaultRoleName = "USER"

// Notifier delivers account notifications. Calls are fire-and-forget from the
// caller's point of view.
type Notifier interface {
	NotifyRegistrationSuccess(ctx context.Context, email string) error
}

// EditResult reports the outcome of EditUser. Applied is false when the target
// record does not exist and nothing was written.
type EditResult struct {
	Record  CredentialRecord
	Applied bool
}

// UserService owns the user mutation paths: registration, guarded edits, login.
type UserService struct {
	users    CredentialStore
	hasher   PasswordHasher
	notifier Notifier
}

func NewUserService(users CredentialStore, hasher PasswordHasher, notifier Notifier) *UserService {
	return &UserService{users: users, hasher: hasher, notifier: notifier}
}

// Authenticate verifies username/password for login.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (CredentialRecord, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return CredentialRecord{}, ErrInvalidCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	u, err := s.users.FindByUsername(ctx, username)
	if err != nil || u == nil {
		return CredentialRecord{}, ErrInvalidCredentials
	}
	if !s.hasher.Matches(password, u.PasswordHash) {
		return CredentialRecord{}, ErrInvalidCredentials
	}
	return *u, nil
}

// RegisterUser creates an account with a fresh default role. Username is checked
// before email. The store's unique constraints reject a concurrent registration
// that passed the same checks.
func (s *UserService) RegisterUser(ctx context.Context, username, password, email string) (CredentialRecord, error) {
	if _, err := s.users.FindByUsername(ctx, username); err == nil {
		return CredentialRecord{}, ErrUserExists
	} else if !isNotFound(err) {
		return CredentialRecord{}, fmt.Errorf("lookup username: %w", err)
	}
	exists, err := s.users.ExistsByEmail(ctx, email)
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("lookup email: %w", err)
	}
	if exists {
		return CredentialRecord{}, ErrEmailExists
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return CredentialRecord{}, err
	}
	// A new role row per account, never a shared USER row.
	role := Role{Name: DefaultRoleName, Permissions: []PermissionType{GenerateTests}}
	rec, err := s.users.Save(ctx, CredentialRecord{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        []Role{role},
	})
	if err != nil {
		return CredentialRecord{}, err
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyRegistrationSuccess(ctx, email); err != nil {
			log.WithError(err).WithField("user_id", rec.ID).Warn("registration notification failed")
		}
	}
	log.WithFields(log.Fields{"user_id": rec.ID, "username": rec.Username}).Info("user registered")
	return rec, nil
}

// EditUser applies edit on behalf of actor. A missing target is not an error:
// the submitted state comes back with Applied=false.
func (s *UserService) EditUser(ctx context.Context, actor Principal, edit UserEdit) (EditResult, error) {
	stored, err := s.users.FindByID(ctx, edit.ID)
	if err != nil {
		if isNotFound(err) {
			log.WithFields(log.Fields{"actor": actor.Username, "target_id": edit.ID}).Warn("edit of missing user ignored")
			return EditResult{Record: CredentialRecord{
				ID:       edit.ID,
				Username: edit.Username,
				Email:    edit.Email,
				Roles:    edit.Roles,
			}}, nil
		}
		return EditResult{}, fmt.Errorf("load user %d: %w", edit.ID, err)
	}

	if err := authorizeEdit(actor, *stored, edit); err != nil {
		log.WithFields(log.Fields{"actor": actor.Username, "target_id": edit.ID}).Info("user edit rejected")
		return EditResult{}, err
	}

	hash, changed, err := ReconcilePassword(s.hasher, edit.Password, stored.PasswordHash)
	if err != nil {
		return EditResult{}, err
	}
	saved, err := s.users.Save(ctx, CredentialRecord{
		ID:           stored.ID,
		Username:     edit.Username,
		Email:        edit.Email,
		PasswordHash: hash,
		Roles:        rolesAfterEdit(actor, *stored, edit),
		CreatedAt:    stored.CreatedAt,
	})
	if err != nil {
		return EditResult{}, err
	}
	log.WithFields(log.Fields{"actor": actor.Username, "target_id": saved.ID, "password_changed": changed}).Info("user edited")
	return EditResult{Record: saved, Applied: true}, nil
}

func (s *UserService) FindUserByUsername(ctx context.Context, username string) (CredentialRecord, error) {
	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if isNotFound(err) {
			return CredentialRecord{}, newDomainError(KindNotFound, "user not found")
		}
		return CredentialRecord{}, err
	}
	return *u, nil
}

func (s *UserService) FindUserByID(ctx context.Context, id int64) (CredentialRecord, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return CredentialRecord{}, newDomainError(KindNotFound, "user with this id not found")
		}
		return CredentialRecord{}, err
	}
	return *u, nil
}

// FindUsersByRole lists holders of a role name; an empty result is NotFound.
func (s *UserService) FindUsersByRole(ctx context.Context, roleName string) ([]CredentialRecord, error) {
	users, err := s.users.FindByRoleName(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, newDomainError(KindNotFound, "no users with this role")
	}
	return users, nil
}

func (s *UserService) ListUsers(ctx context.Context, page, perPage int) ([]UserListItem, int, error) {
	return s.users.List(ctx, page, perPage)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
