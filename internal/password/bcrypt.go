package password

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"userkeeper/internal/domain"
)

// DefaultCost is the work factor used when none is configured.
const DefaultCost = 12

// Bcrypt hashes and compares passwords with bcrypt. Both operations run on
// their own goroutine so a cancelled context releases the caller at once.
type Bcrypt struct {
	Cost int
}

func NewBcrypt(cost int) *Bcrypt {
	if cost == 0 {
		cost = DefaultCost
	}
	return &Bcrypt{Cost: cost}
}

type result struct {
	value string
	ok    bool
	err   error
}

func (b *Bcrypt) Hash(ctx context.Context, plaintext string) (string, error) {
	res, err := run(ctx, func() result {
		hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.Cost)
		return result{value: string(hash), err: err}
	})
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", fmt.Errorf("bcrypt: %w", res.err)
	}
	return res.value, nil
}

func (b *Bcrypt) Compare(ctx context.Context, plaintext, hash string) (bool, error) {
	res, err := run(ctx, func() result {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
		switch {
		case err == nil:
			return result{ok: true}
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return result{}
		default:
			return result{err: &domain.HashFormatError{Err: err}}
		}
	})
	if err != nil {
		return false, err
	}
	return res.ok, res.err
}

// Cost reports the work factor encoded in hash.
func Cost(hash string) (int, error) {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return 0, &domain.HashFormatError{Err: err}
	}
	return cost, nil
}

func run(ctx context.Context, fn func() result) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}
	done := make(chan result, 1)
	go func() {
		done <- fn()
	}()
	select {
	case <-ctx.Done():
		return result{}, ctx.Err()
	case res := <-done:
		return res, nil
	}
}

var _ domain.PasswordHasher = (*Bcrypt)(nil)
