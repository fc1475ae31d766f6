package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"userkeeper/internal/domain"
	"userkeeper/internal/repository"
	"userkeeper/internal/storage"
)

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, in domain.Registration) (*domain.User, error)
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	PasswordChangedAfter(ctx context.Context, id string, issuedAt int64) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	UpdateProfile(ctx context.Context, id string, in domain.ProfileUpdate) (*domain.User, error)
	ChangePassword(ctx context.Context, id, current string, in domain.PasswordChange) (*domain.User, error)
	ResetPassword(ctx context.Context, id string, in domain.PasswordChange) (*domain.User, error)
	SetPhoto(ctx context.Context, id, localPath string) (*domain.User, error)
	PhotoURL(ctx context.Context, id string, expires time.Duration) (string, error)
	Delete(ctx context.Context, id string) error
}

// PhotoStore locates the bucket user photos are uploaded to.
type PhotoStore struct {
	Service   storage.Service
	Bucket    string
	KeyPrefix string
}

type userService struct {
	users  repository.UserRepository
	hasher domain.PasswordHasher
	photos PhotoStore
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewUserService(users repository.UserRepository, hasher domain.PasswordHasher, photos PhotoStore, logger logrus.FieldLogger) UserService {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &userService{
		users:  users,
		hasher: hasher,
		photos: photos,
		logger: logger,
		now:    time.Now,
	}
}

func (s *userService) Register(ctx context.Context, in domain.Registration) (*domain.User, error) {
	user, err := domain.NewUser(ctx, in, s.hasher)
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("user registered")
	return sanitizeUser(user), nil
}

func (s *userService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email, repository.WithPassword())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := user.CorrectPassword(ctx, s.hasher, password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrInvalidCredentials
	}

	return sanitizeUser(user), nil
}

func (s *userService) PasswordChangedAfter(ctx context.Context, id string, issuedAt int64) (bool, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return user.ChangedPasswordAfter(issuedAt), nil
}

func (s *userService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

func (s *userService) List(ctx context.Context) ([]domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

func (s *userService) UpdateProfile(ctx context.Context, id string, in domain.ProfileUpdate) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := user.ApplyProfile(in); err != nil {
		return nil, err
	}
	if err := s.users.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

func (s *userService) ChangePassword(ctx context.Context, id, current string, in domain.PasswordChange) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id, repository.WithPassword())
	if err != nil {
		return nil, err
	}

	ok, err := user.CorrectPassword(ctx, s.hasher, current, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrInvalidCredentials
	}

	return s.storePassword(ctx, user, in)
}

func (s *userService) ResetPassword(ctx context.Context, id string, in domain.PasswordChange) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.storePassword(ctx, user, in)
}

func (s *userService) storePassword(ctx context.Context, user *domain.User, in domain.PasswordChange) (*domain.User, error) {
	if err := user.SetPassword(ctx, in, s.hasher, s.now()); err != nil {
		return nil, err
	}
	if err := s.users.UpdatePassword(ctx, user); err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("password changed")
	return sanitizeUser(user), nil
}

func (s *userService) SetPhoto(ctx context.Context, id, localPath string) (*domain.User, error) {
	if s.photos.Service == nil || s.photos.Bucket == "" {
		return nil, storage.ErrNotConfigured
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	key := s.photoKey(user.ID, uuid.NewString()+strings.ToLower(filepath.Ext(localPath)))
	location, err := s.photos.Service.UploadFile(ctx, localPath, storage.UploadOptions{
		Bucket: s.photos.Bucket,
		Key:    key,
	})
	if err != nil {
		return nil, fmt.Errorf("upload photo: %w", err)
	}

	previous := user.Photo
	user.Photo = location
	if err := s.users.UpdateProfile(ctx, user); err != nil {
		if derr := s.photos.Service.DeleteObject(ctx, s.photos.Bucket, key); derr != nil {
			s.logger.WithError(derr).WithField("user_id", user.ID).Warn("delete orphaned photo")
		}
		return nil, err
	}

	if oldKey, ok := s.ownedPhotoKey(user.ID, previous); ok {
		if err := s.photos.Service.DeleteObject(ctx, s.photos.Bucket, oldKey); err != nil {
			s.logger.WithError(err).WithField("user_id", user.ID).Warn("delete previous photo")
		}
	}

	return sanitizeUser(user), nil
}

// ownedPhotoKey returns the object key of location when it is an upload
// under the user's own key prefix. Photo values set through profile updates
// are arbitrary text and must never select objects outside that prefix.
func (s *userService) ownedPhotoKey(userID, location string) (string, bool) {
	key, err := storage.ParseLocation(location, s.photos.Bucket)
	if err != nil {
		return "", false
	}
	own := s.photoKey(userID, "")
	if !strings.HasPrefix(key, own) || strings.Contains(key[len(own):], "/") || key == own {
		return "", false
	}
	return key, true
}

func (s *userService) PhotoURL(ctx context.Context, id string, expires time.Duration) (string, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if user.Photo == "" {
		return "", fmt.Errorf("user %s: %w", id, domain.ErrNoPhoto)
	}
	if s.photos.Service == nil || s.photos.Bucket == "" {
		return user.Photo, nil
	}
	key, err := storage.ParseLocation(user.Photo, s.photos.Bucket)
	if err != nil {
		// not one of ours; the stored value is already a usable reference
		return user.Photo, nil
	}
	return s.photos.Service.GetObjectURL(ctx, s.photos.Bucket, key, expires)
}

func (s *userService) Delete(ctx context.Context, id string) error {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, user.ID); err != nil {
		return err
	}

	if s.photos.Service != nil && s.photos.Bucket != "" {
		if err := s.photos.Service.DeletePrefix(ctx, s.photos.Bucket, s.photoKey(user.ID, "")); err != nil {
			s.logger.WithError(err).WithField("user_id", user.ID).Warn("delete user photos")
		}
	}

	s.logger.WithField("user_id", user.ID).Info("user deleted")
	return nil
}

func (s *userService) photoKey(userID, name string) string {
	prefix := strings.Trim(s.photos.KeyPrefix, "/")
	key := userID + "/" + name
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	clean := *user
	clean.PasswordHash = ""
	if user.PasswordChangedAt != nil {
		t := *user.PasswordChangedAt
		clean.PasswordChangedAt = &t
	}
	return &clean
}
