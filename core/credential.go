package core

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Matches(password, hash string) bool
}

// BcryptHasher is the production PasswordHasher.
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return BcryptHasher{Cost: cost}
}

func (h BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", newDomainError(KindValidation, "password is too long")
		}
		return "", err
	}
	return string(b), nil
}

func (h BcryptHasher) Matches(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ReconcilePassword decides what hash to store for an edit. A submitted value that
// verifies against existingHash is the unchanged password and existingHash is kept;
// anything else is a new password and gets a fresh salted hash.
func ReconcilePassword(h PasswordHasher, submitted, existingHash string) (hash string, changed bool, err error) {
	if existingHash != "" && h.Matches(submitted, existingHash) {
		return existingHash, false, nil
	}
	hash, err = h.Hash(submitted)
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
