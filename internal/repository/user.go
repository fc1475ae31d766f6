package repository

import (
	"context"

	"userkeeper/internal/domain"
)

//go:generate mockgen -source=user.go -destination=../mock/user_repository_mock.go -package=mock

// UserRepository defines persistence operations for User entities.
//
// Reads leave PasswordHash empty unless WithPassword is passed. Create
// assigns ID, CreatedAt and UpdatedAt. A duplicate email surfaces as
// *domain.UniquenessError and a missing record as domain.ErrNotFound.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string, opts ...FindOption) (*domain.User, error)
	GetByEmail(ctx context.Context, email string, opts ...FindOption) (*domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	UpdateProfile(ctx context.Context, user *domain.User) error
	UpdatePassword(ctx context.Context, user *domain.User) error
	Delete(ctx context.Context, id string) error
}

// FindOptions controls the projection of a read.
type FindOptions struct {
	WithPassword bool
}

type FindOption func(*FindOptions)

// WithPassword includes the password hash, which default reads omit.
func WithPassword() FindOption {
	return func(o *FindOptions) {
		o.WithPassword = true
	}
}

// ApplyFindOptions folds opts into a FindOptions value.
func ApplyFindOptions(opts []FindOption) FindOptions {
	var o FindOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
