package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoPhoto is returned when a photo is requested for a user without one.
	ErrNoPhoto = errors.New("user has no photo")
)

// ValidationError reports the first field rule a write violated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// UniquenessError is returned when a write collides with an existing record
// on a unique field.
type UniquenessError struct {
	Field string
	Value string
}

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Field, e.Value)
}

// HashFormatError wraps a failure to interpret a stored password hash.
type HashFormatError struct {
	Err error
}

func (e *HashFormatError) Error() string {
	return fmt.Sprintf("malformed password hash: %v", e.Err)
}

func (e *HashFormatError) Unwrap() error {
	return e.Err
}
