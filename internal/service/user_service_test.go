package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"userkeeper/internal/domain"
	"userkeeper/internal/mock"
	"userkeeper/internal/password"
	"userkeeper/internal/repository"
	"userkeeper/internal/repository/sqlite"
	"userkeeper/internal/storage"
)

type fakeStorage struct {
	uploads        map[string]string
	deletedObjects []string
	deleted        []string
	failDel        error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploads: map[string]string{}}
}

func (f *fakeStorage) UploadFile(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	f.uploads[opts.Key] = localPath
	return storage.Location(opts.Bucket, opts.Key), nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, _ string, key string) error {
	f.deletedObjects = append(f.deletedObjects, key)
	return f.failDel
}

func (f *fakeStorage) DeletePrefix(_ context.Context, _ string, prefix string) error {
	f.deleted = append(f.deleted, prefix)
	return f.failDel
}

func (f *fakeStorage) GetObjectURL(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "https://" + bucket + ".example.com/" + key + "?expires=" + expires.String(), nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, photos PhotoStore) (*userService, repository.UserRepository) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewUserRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	svc := NewUserService(repo, password.NewBcrypt(4), photos, quietLogger()).(*userService)
	return svc, repo
}

func ada() domain.Registration {
	return domain.Registration{
		Name:            "Ada",
		Email:           "ADA@Example.com",
		Password:        "secret123",
		PasswordConfirm: "secret123",
	}
}

func TestRegister_StoresNormalizedEmailWithoutHash(t *testing.T) {
	svc, repo := newTestService(t, PhotoStore{})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Empty(t, user.PasswordHash)

	stored, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", stored.Email)
	assert.Empty(t, stored.PasswordHash, "default projection omits the hash")

	withHash, err := repo.GetByID(ctx, user.ID, repository.WithPassword())
	require.NoError(t, err)
	assert.NotEqual(t, "secret123", withHash.PasswordHash)
	assert.Nil(t, withHash.PasswordChangedAt)
}

func TestRegister_ConfirmMismatchPersistsNothing(t *testing.T) {
	svc, repo := newTestService(t, PhotoStore{})
	ctx := context.Background()

	in := ada()
	in.PasswordConfirm = "different"
	_, err := svc.Register(ctx, in)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "passwordConfirm", verr.Field)

	users, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRegister_ShortPassword(t *testing.T) {
	svc, _ := newTestService(t, PhotoStore{})

	in := ada()
	in.Password, in.PasswordConfirm = "short1", "short1"
	_, err := svc.Register(context.Background(), in)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
}

func TestRegister_DuplicateNormalizedEmail(t *testing.T) {
	svc, _ := newTestService(t, PhotoStore{})
	ctx := context.Background()

	_, err := svc.Register(ctx, ada())
	require.NoError(t, err)

	again := ada()
	again.Email = "ada@EXAMPLE.com"
	_, err = svc.Register(ctx, again)

	var uerr *domain.UniquenessError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "email", uerr.Field)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t, PhotoStore{})
	ctx := context.Background()

	registered, err := svc.Register(ctx, ada())
	require.NoError(t, err)

	user, err := svc.Authenticate(ctx, "Ada@Example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.Empty(t, user.PasswordHash)

	_, err = svc.Authenticate(ctx, "ada@example.com", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "secret123")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	svc, repo := newTestService(t, PhotoStore{})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)
	before, err := repo.GetByID(ctx, user.ID, repository.WithPassword())
	require.NoError(t, err)

	stale, err := svc.PasswordChangedAfter(ctx, user.ID, 0)
	require.NoError(t, err)
	assert.False(t, stale, "never-changed password cannot invalidate tokens")

	changedAt := time.Date(2030, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	svc.now = func() time.Time { return changedAt }

	_, err = svc.ChangePassword(ctx, user.ID, "not-current", domain.PasswordChange{Password: "newsecret1", PasswordConfirm: "newsecret1"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	updated, err := svc.ChangePassword(ctx, user.ID, "secret123", domain.PasswordChange{Password: "secret123", PasswordConfirm: "secret123"})
	require.NoError(t, err)
	assert.Empty(t, updated.PasswordHash)
	require.NotNil(t, updated.PasswordChangedAt)

	after, err := repo.GetByID(ctx, user.ID, repository.WithPassword())
	require.NoError(t, err)
	assert.NotEqual(t, before.PasswordHash, after.PasswordHash, "reusing the plaintext still re-salts")
	require.NotNil(t, after.PasswordChangedAt)
	assert.True(t, changedAt.Equal(*after.PasswordChangedAt))

	stale, err = svc.PasswordChangedAfter(ctx, user.ID, changedAt.Unix()-1)
	require.NoError(t, err)
	assert.True(t, stale)

	stale, err = svc.PasswordChangedAfter(ctx, user.ID, changedAt.Unix())
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestResetPassword_AdvancesMonotonically(t *testing.T) {
	svc, repo := newTestService(t, PhotoStore{})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)

	first := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }
	_, err = svc.ResetPassword(ctx, user.ID, domain.PasswordChange{Password: "newsecret1", PasswordConfirm: "newsecret1"})
	require.NoError(t, err)

	// a clock that stepped backwards must not rewind the change time
	svc.now = func() time.Time { return first.Add(-time.Minute) }
	_, err = svc.ResetPassword(ctx, user.ID, domain.PasswordChange{Password: "newsecret2", PasswordConfirm: "newsecret2"})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PasswordChangedAt)
	assert.False(t, got.PasswordChangedAt.Before(first))

	_, err = svc.Authenticate(ctx, "ada@example.com", "newsecret2")
	require.NoError(t, err)
}

func TestUpdateProfile_LeavesPasswordAlone(t *testing.T) {
	svc, repo := newTestService(t, PhotoStore{})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)
	before, err := repo.GetByID(ctx, user.ID, repository.WithPassword())
	require.NoError(t, err)

	name := "Ada Lovelace"
	email := "Lovelace@Example.com"
	updated, err := svc.UpdateProfile(ctx, user.ID, domain.ProfileUpdate{Name: &name, Email: &email})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", updated.Name)
	assert.Equal(t, "lovelace@example.com", updated.Email)

	after, err := repo.GetByID(ctx, user.ID, repository.WithPassword())
	require.NoError(t, err)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	assert.Nil(t, after.PasswordChangedAt)

	_, err = svc.Register(ctx, domain.Registration{Name: "Bob", Email: "bob@example.com", Password: "password1", PasswordConfirm: "password1"})
	require.NoError(t, err)
	taken := "BOB@example.com"
	_, err = svc.UpdateProfile(ctx, user.ID, domain.ProfileUpdate{Email: &taken})
	var uerr *domain.UniquenessError
	assert.ErrorAs(t, err, &uerr)
}

func TestGetListDelete(t *testing.T) {
	svc, _ := newTestService(t, PhotoStore{})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)

	users, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Empty(t, users[0].PasswordHash)

	require.NoError(t, svc.Delete(ctx, user.ID))
	_, err = svc.GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, user.ID), domain.ErrNotFound)
}

func TestSetPhoto(t *testing.T) {
	store := newFakeStorage()
	svc, _ := newTestService(t, PhotoStore{Service: store, Bucket: "photos", KeyPrefix: "/avatars/"})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "Ada.PNG")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	first, err := svc.SetPhoto(ctx, user.ID, path)
	require.NoError(t, err)
	firstKey, err := storage.ParseLocation(first.Photo, "photos")
	require.NoError(t, err)
	assert.Regexp(t, `^avatars/`+user.ID+`/[0-9a-f-]{36}\.png$`, firstKey)
	assert.Empty(t, store.deletedObjects)

	second, err := svc.SetPhoto(ctx, user.ID, path)
	require.NoError(t, err)
	assert.NotEqual(t, first.Photo, second.Photo)
	assert.Equal(t, []string{firstKey}, store.deletedObjects, "previous upload is removed")
	assert.Empty(t, store.deleted)

	url, err := svc.PhotoURL(ctx, user.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "https://photos.example.com/avatars/"+user.ID+"/")

	store.failDel = errors.New("s3 down")
	require.NoError(t, svc.Delete(ctx, user.ID), "photo cleanup failures are only logged")
	assert.Equal(t, "avatars/"+user.ID+"/", store.deleted[len(store.deleted)-1])
}

func TestPhotoURL_ExternalPhoto(t *testing.T) {
	svc, _ := newTestService(t, PhotoStore{Service: newFakeStorage(), Bucket: "photos"})
	ctx := context.Background()

	in := ada()
	in.Photo = "https://gravatar.example.com/ada.png"
	user, err := svc.Register(ctx, in)
	require.NoError(t, err)

	url, err := svc.PhotoURL(ctx, user.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, in.Photo, url)
}

func TestSetPhoto_NotConfigured(t *testing.T) {
	svc, _ := newTestService(t, PhotoStore{})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)

	_, err = svc.SetPhoto(ctx, user.ID, "ada.png")
	assert.ErrorIs(t, err, storage.ErrNotConfigured)

	_, err = svc.PhotoURL(ctx, user.ID, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoPhoto)
}

func TestSetPhoto_KeepsObjectsOutsideOwnPrefix(t *testing.T) {
	store := newFakeStorage()
	svc, _ := newTestService(t, PhotoStore{Service: store, Bucket: "photos", KeyPrefix: "avatars"})
	ctx := context.Background()

	user, err := svc.Register(ctx, ada())
	require.NoError(t, err)
	other := ada()
	other.Email = "grace@example.com"
	grace, err := svc.Register(ctx, other)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	for _, photo := range []string{
		"s3://photos/a",
		"s3://photos/avatars/",
		"s3://photos/avatars/" + user.ID + "/",
		"s3://photos/avatars/" + grace.ID + "/0b8f5a6e-2f4d-4a53-9d3f-1c2e4b5a6d7f.png",
		"s3://photos/avatars/" + user.ID + "/nested/x.png",
		"s3://other-bucket/avatars/" + user.ID + "/x.png",
	} {
		_, err := svc.UpdateProfile(ctx, user.ID, domain.ProfileUpdate{Photo: &photo})
		require.NoError(t, err)

		_, err = svc.SetPhoto(ctx, user.ID, path)
		require.NoError(t, err)
		assert.Empty(t, store.deletedObjects, photo)
		assert.Empty(t, store.deleted, photo)
	}
}

func TestSetPhoto_RemovesUploadWhenSaveFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mock.NewMockUserRepository(ctrl)
	store := newFakeStorage()
	svc := NewUserService(repo, password.NewBcrypt(4), PhotoStore{Service: store, Bucket: "photos", KeyPrefix: "avatars"}, quietLogger())
	ctx := context.Background()

	boom := errors.New("disk full")
	repo.EXPECT().GetByID(gomock.Any(), "u1").Return(&domain.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}, nil)
	repo.EXPECT().UpdateProfile(gomock.Any(), gomock.Any()).Return(boom)

	_, err := svc.SetPhoto(ctx, "u1", "ada.png")
	assert.ErrorIs(t, err, boom)
	require.Len(t, store.uploads, 1)
	for key := range store.uploads {
		assert.Equal(t, []string{key}, store.deletedObjects)
	}
}

func TestAuthenticate_HashFormatErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mock.NewMockUserRepository(ctrl)
	svc := NewUserService(repo, password.NewBcrypt(4), PhotoStore{}, quietLogger())

	repo.EXPECT().
		GetByEmail(gomock.Any(), "ada@example.com", gomock.Any()).
		Return(&domain.User{ID: "1", Email: "ada@example.com", PasswordHash: "corrupted"}, nil)

	_, err := svc.Authenticate(context.Background(), "ada@example.com", "secret123")
	var herr *domain.HashFormatError
	require.ErrorAs(t, err, &herr)
	assert.NotErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestRepositoryErrorsPropagate(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mock.NewMockUserRepository(ctrl)
	hasher := mock.NewMockPasswordHasher(ctrl)
	svc := NewUserService(repo, hasher, PhotoStore{}, nil)
	ctx := context.Background()
	boom := errors.New("connection reset")

	hasher.EXPECT().Hash(gomock.Any(), "secret123").Return("$2a$04$stub", nil)
	repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u *domain.User) error {
		assert.Equal(t, "$2a$04$stub", u.PasswordHash)
		return boom
	})
	_, err := svc.Register(ctx, ada())
	assert.ErrorIs(t, err, boom)

	repo.EXPECT().GetByID(gomock.Any(), "42").Return(nil, boom)
	_, err = svc.PasswordChangedAfter(ctx, "42", 0)
	assert.ErrorIs(t, err, boom)

	repo.EXPECT().GetByID(gomock.Any(), "42").Return(&domain.User{ID: "42"}, nil)
	hasher.EXPECT().Hash(gomock.Any(), "newsecret1").Return("$2a$04$new", nil)
	repo.EXPECT().UpdatePassword(gomock.Any(), gomock.Any()).Return(boom)
	_, err = svc.ResetPassword(ctx, "42", domain.PasswordChange{Password: "newsecret1", PasswordConfirm: "newsecret1"})
	assert.ErrorIs(t, err, boom)
}
