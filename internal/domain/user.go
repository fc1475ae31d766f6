package domain

import (
	"context"
	"fmt"
	"time"
)

// User represents an authenticated principal.
type User struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	Photo             string     `json:"photo,omitempty"`
	PasswordHash      string     `json:"-"`
	PasswordChangedAt *time.Time `json:"passwordChangedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

//go:generate mockgen -destination=../mock/password_hasher_mock.go -package=mock userkeeper/internal/domain PasswordHasher

// PasswordHasher is the one-way hashing collaborator used for credentials.
type PasswordHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Compare(ctx context.Context, plaintext, hash string) (bool, error)
}

// NewUser validates a registration and returns a record holding only the
// password hash. The record has no ID until a repository stores it.
func NewUser(ctx context.Context, in Registration, hasher PasswordHasher) (*User, error) {
	in.Name = NormalizeName(in.Name)
	in.Email = NormalizeEmail(in.Email)

	if err := in.Validate(); err != nil {
		return nil, err
	}

	hash, err := hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	return &User{
		Name:         in.Name,
		Email:        in.Email,
		Photo:        in.Photo,
		PasswordHash: hash,
	}, nil
}

// SetPassword re-hashes the record's password and stamps PasswordChangedAt.
// The stamp never moves backwards.
func (u *User) SetPassword(ctx context.Context, in PasswordChange, hasher PasswordHasher, now time.Time) error {
	if err := in.Validate(); err != nil {
		return err
	}

	hash, err := hasher.Hash(ctx, in.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	changedAt := now.UTC()
	if u.PasswordChangedAt != nil && changedAt.Before(*u.PasswordChangedAt) {
		changedAt = *u.PasswordChangedAt
	}

	u.PasswordHash = hash
	u.PasswordChangedAt = &changedAt
	return nil
}

// ApplyProfile copies the set fields of in onto the record after validating
// them. Password state is left untouched.
func (u *User) ApplyProfile(in ProfileUpdate) error {
	if in.Name != nil {
		name := NormalizeName(*in.Name)
		in.Name = &name
	}
	if in.Email != nil {
		email := NormalizeEmail(*in.Email)
		in.Email = &email
	}
	if err := in.Validate(); err != nil {
		return err
	}

	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Email != nil {
		u.Email = *in.Email
	}
	if in.Photo != nil {
		u.Photo = *in.Photo
	}
	return nil
}

// CorrectPassword reports whether candidate matches storedHash. The stored
// hash is passed explicitly because default reads do not load it.
func (u *User) CorrectPassword(ctx context.Context, hasher PasswordHasher, candidate, storedHash string) (bool, error) {
	return hasher.Compare(ctx, candidate, storedHash)
}

// ChangedPasswordAfter reports whether a token issued at issuedAt (Unix
// seconds) predates the last password change.
func (u *User) ChangedPasswordAfter(issuedAt int64) bool {
	if u.PasswordChangedAt == nil || u.PasswordChangedAt.IsZero() {
		return false
	}
	return issuedAt < u.PasswordChangedAt.Unix()
}
