package core

import "errors"

// ErrorKind classifies rejections raised by the user and question services.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindUnauthorized       ErrorKind = "NO_PERMISSION"
	KindDuplicateContent   ErrorKind = "DUPLICATE_CONTENT"
	KindUserExists         ErrorKind = "USER_EXISTS"
	KindEmailExists        ErrorKind = "EMAIL_EXISTS"
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindValidation         ErrorKind = "VALIDATION_ERROR"
)

// DomainError is a terminal, user-visible rejection.
// Two DomainErrors match under errors.Is when their kinds are equal.
type DomainError struct {
	Kind   ErrorKind
	Reason string
}

func (e *DomainError) Error() string {
	return e.Reason
}

func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newDomainError(kind ErrorKind, reason string) *DomainError {
	return &DomainError{Kind: kind, Reason: reason}
}

var (
	ErrNotFound           = newDomainError(KindNotFound, "not found")
	ErrUnauthorized       = newDomainError(KindUnauthorized, "no permission to modify")
	ErrDuplicateContent   = newDomainError(KindDuplicateContent, "question already exists")
	ErrUserExists         = newDomainError(KindUserExists, "user already exists")
	ErrEmailExists        = newDomainError(KindEmailExists, "user with this email already exists")
	ErrInvalidCredentials = newDomainError(KindInvalidCredentials, "invalid credentials")
	ErrValidation         = newDomainError(KindValidation, "invalid input")
)

// KindOf returns the kind of the first DomainError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
