// Package apperror defines the typed error kinds returned by the room
// coordination services. Every failure a caller can act on is one of the
// sentinel kinds below, wrapped in an AppError that carries a human-readable
// message. Anything that is not an AppError is an unknown failure.
//
// Callers branch on the kind with errors.Is:
//
//	if errors.Is(err, apperror.ErrDuplicateCode) { ... }
//
// and read the message with errors.As into *AppError.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrDuplicateCode   = errors.New("duplicate room code")
	ErrForbidden       = errors.New("permission denied")

	// Identity provider kinds.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrReauthFailed       = errors.New("reauthentication failed")
	ErrEmailInUse         = errors.New("email already in use")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("weak password")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // human-readable error message
	Field   string // optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// NotFoundMessage is NotFound with a caller-supplied message, for lookups
// that are not keyed by a single id (e.g. room name plus code).
func NotFoundMessage(message string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: message,
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// InvalidArgument reports a missing or malformed operation argument, as
// opposed to a user-entered field that fails a validation rule.
func InvalidArgument(field, message string) *AppError {
	return &AppError{
		Err:     ErrInvalidArgument,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// ConflictMessage is Conflict with a caller-supplied message.
func ConflictMessage(message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
	}
}

func DuplicateCode(code string) *AppError {
	return &AppError{
		Err:     ErrDuplicateCode,
		Message: fmt.Sprintf("room code %s is already in use", code),
		Field:   "roomCode",
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func InvalidCredentials() *AppError {
	return &AppError{
		Err:     ErrInvalidCredentials,
		Message: "invalid email or password",
	}
}

func ReauthFailed() *AppError {
	return &AppError{
		Err:     ErrReauthFailed,
		Message: "current password is incorrect",
		Field:   "password",
	}
}

func EmailInUse(email string) *AppError {
	return &AppError{
		Err:     ErrEmailInUse,
		Message: fmt.Sprintf("an account already exists for %s", email),
		Field:   "email",
	}
}

func InvalidEmail(email string) *AppError {
	return &AppError{
		Err:     ErrInvalidEmail,
		Message: fmt.Sprintf("%q is not a valid email address", email),
		Field:   "email",
	}
}

func WeakPassword(message string) *AppError {
	return &AppError{
		Err:     ErrWeakPassword,
		Message: message,
		Field:   "password",
	}
}

// Kind returns the sentinel kind of err, or nil when err is not an AppError.
func Kind(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Err
	}
	return nil
}
