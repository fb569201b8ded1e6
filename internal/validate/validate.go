// Package validate holds the field rules for user-entered values: room and
// user names, room descriptions, room codes, emails and passwords.
//
// Rules are expressed as go-playground/validator tags so the HTTP layer and
// the services share one definition. Each check returns a typed apperror
// (ValidationFailed, InvalidEmail, WeakPassword) that names the field.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/roomspace/internal/apperror"
)

const (
	MaxNameLength        = 14
	MaxDescriptionLength = 150
	MinPasswordLength    = 8
	// bcrypt ignores everything past 72 bytes.
	MaxPasswordBytes = 72
)

var (
	nameChars   = regexp.MustCompile(`^[a-zA-Z0-9 ]+$`)
	codeFormat  = regexp.MustCompile(`^[A-Z]{4}-\d{4}$`)
	emailFormat = regexp.MustCompile(`^[\w.-]+@([\w-]+\.)+[\w-]{2,4}$`)
)

// Tag sets applied with validator.Var.
const (
	nameTags = "required,max=14,trimmed,namechars"
	descTags = "max=150,trimmed"
	codeTags = "required,roomcode"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	must(val.RegisterValidation("namechars", func(fl validator.FieldLevel) bool {
		return nameChars.MatchString(fl.Field().String())
	}))
	must(val.RegisterValidation("trimmed", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == strings.TrimSpace(s)
	}))
	must(val.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
		return codeFormat.MatchString(fl.Field().String())
	}))
	return val
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// RoomName checks a room name: required, at most 14 characters, letters,
// digits and spaces only, no leading or trailing whitespace.
func RoomName(name string) error {
	return check("name", "Room name", name, nameTags)
}

// UserName applies the same rules as RoomName to a display name.
func UserName(name string) error {
	return check("name", "Name", name, nameTags)
}

// Description checks an optional room description.
func Description(desc string) error {
	return check("desc", "Description", desc, descTags)
}

// RoomCode checks the four-letter, four-digit code format, e.g. "ROOM-0420".
func RoomCode(code string) error {
	if err := v.Var(code, codeTags); err != nil {
		return apperror.ValidationFailed("roomCode", fmt.Sprintf("room code %q must look like ABCD-1234", code))
	}
	return nil
}

// Email checks address syntax.
func Email(email string) error {
	if err := v.Var(email, "required"); err != nil || !emailFormat.MatchString(email) {
		return apperror.InvalidEmail(email)
	}
	return nil
}

// Password checks the identity provider's strength rules.
func Password(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return apperror.WeakPassword(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > MaxPasswordBytes {
		return apperror.WeakPassword(fmt.Sprintf("password must be at most %d bytes", MaxPasswordBytes))
	}
	return nil
}

func check(field, label, value, tags string) error {
	err := v.Var(value, tags)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.ValidationFailed(field, fmt.Sprintf("%s is invalid", label))
	}
	return apperror.ValidationFailed(field, message(label, verrs[0]))
}

func message(label string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", label)
	case "max":
		return fmt.Sprintf("%s must be %s characters or fewer", label, fe.Param())
	case "trimmed":
		return fmt.Sprintf("%s cannot start or end with spaces", label)
	case "namechars":
		return fmt.Sprintf("%s can only contain letters, numbers and spaces", label)
	default:
		return fmt.Sprintf("%s is invalid", label)
	}
}
