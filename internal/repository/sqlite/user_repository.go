package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"userkeeper/internal/domain"
	"userkeeper/internal/repository"
)

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	photo TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	password_changed_at DATETIME NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) repository.UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUsersTable); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := r.db.ExecContext(ctx, `
INSERT INTO users (id, name, email, photo, password_hash, password_changed_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		user.Name,
		user.Email,
		user.Photo,
		user.PasswordHash,
		nullTime(user.PasswordChangedAt),
		now,
		now,
	)
	if err != nil {
		if isDuplicateEmail(err) {
			return &domain.UniquenessError{Field: "email", Value: user.Email}
		}
		return fmt.Errorf("insert user: %w", err)
	}

	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string, opts ...repository.FindOption) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, selectUser(opts)+`
WHERE id = ?`,
		id,
	)
	return scanUser(row)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string, opts ...repository.FindOption) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, selectUser(opts)+`
WHERE email = ?`,
		domain.NormalizeEmail(email),
	)
	return scanUser(row)
}

func (r *UserRepository) List(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, selectUser(nil)+`
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE users
SET name=?, email=?, photo=?, updated_at=?
WHERE id=?`,
		user.Name,
		user.Email,
		user.Photo,
		now,
		user.ID,
	)
	if err != nil {
		if isDuplicateEmail(err) {
			return &domain.UniquenessError{Field: "email", Value: user.Email}
		}
		return fmt.Errorf("update user profile: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE users
SET password_hash=?, password_changed_at=?, updated_at=?
WHERE id=?`,
		user.PasswordHash,
		nullTime(user.PasswordChangedAt),
		now,
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return expectOneRow(res)
}

func selectUser(opts []repository.FindOption) string {
	hash := "''"
	if repository.ApplyFindOptions(opts).WithPassword {
		hash = "password_hash"
	}
	return `
SELECT id, name, email, photo, ` + hash + `, password_changed_at, created_at, updated_at
FROM users`
}

func scanUser(row interface {
	Scan(dest ...any) error
}) (*domain.User, error) {
	var (
		user      domain.User
		changedAt sql.NullTime
	)
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Photo,
		&user.PasswordHash,
		&changedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	if changedAt.Valid {
		t := changedAt.Time.UTC()
		user.PasswordChangedAt = &t
	}
	return &user, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// isDuplicateEmail reports whether err is a UNIQUE violation on users.email.
func isDuplicateEmail(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) || serr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return false
	}
	return strings.Contains(serr.Error(), "users.email")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
