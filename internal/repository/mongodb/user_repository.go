package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"userkeeper/internal/domain"
	"userkeeper/internal/repository"
)

// CollectionName is the collection user documents live in.
const CollectionName = "users"

// userDocument is the stored shape of a user.
type userDocument struct {
	ID                bson.ObjectID `bson:"_id,omitempty"`
	Name              string        `bson:"name"`
	Email             string        `bson:"email"`
	Photo             string        `bson:"photo,omitempty"`
	Password          string        `bson:"password,omitempty"`
	PasswordChangedAt *time.Time    `bson:"passwordChangedAt,omitempty"`
	CreatedAt         time.Time     `bson:"createdAt"`
	UpdatedAt         time.Time     `bson:"updatedAt"`
}

// defaultProjection keeps the hash out of reads that did not ask for it.
var defaultProjection = bson.D{{Key: "password", Value: 0}}

type UserRepository struct {
	coll *mongo.Collection
}

func NewUserRepository(db *mongo.Database) repository.UserRepository {
	return &UserRepository{coll: db.Collection(CollectionName)}
}

func (r *UserRepository) Init(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("email_unique"),
	})
	if err != nil {
		return fmt.Errorf("create email index: %w", err)
	}
	return nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	now := timestamp()
	doc := userDocument{
		ID:                bson.NewObjectID(),
		Name:              user.Name,
		Email:             user.Email,
		Photo:             user.Photo,
		Password:          user.PasswordHash,
		PasswordChangedAt: user.PasswordChangedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &domain.UniquenessError{Field: "email", Value: user.Email}
		}
		return fmt.Errorf("insert user: %w", err)
	}

	user.ID = doc.ID.Hex()
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string, opts ...repository.FindOption) (*domain.User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	return r.findOne(ctx, bson.D{{Key: "_id", Value: oid}}, opts)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string, opts ...repository.FindOption) (*domain.User, error) {
	return r.findOne(ctx, bson.D{{Key: "email", Value: domain.NormalizeEmail(email)}}, opts)
}

func (r *UserRepository) List(ctx context.Context) ([]domain.User, error) {
	cur, err := r.coll.Find(ctx, bson.D{}, options.Find().
		SetProjection(defaultProjection).
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var docs []userDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	users := make([]domain.User, len(docs))
	for i := range docs {
		users[i] = *docs[i].toDomain()
	}
	return users, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, user *domain.User) error {
	now := timestamp()
	err := r.updateByID(ctx, user.ID, bson.D{
		{Key: "name", Value: user.Name},
		{Key: "email", Value: user.Email},
		{Key: "photo", Value: user.Photo},
		{Key: "updatedAt", Value: now},
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &domain.UniquenessError{Field: "email", Value: user.Email}
		}
		return err
	}
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, user *domain.User) error {
	now := timestamp()
	if err := r.updateByID(ctx, user.ID, bson.D{
		{Key: "password", Value: user.PasswordHash},
		{Key: "passwordChangedAt", Value: user.PasswordChangedAt},
		{Key: "updatedAt", Value: now},
	}); err != nil {
		return err
	}
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return domain.ErrNotFound
	}
	res, err := r.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.D, opts []repository.FindOption) (*domain.User, error) {
	findOpts := options.FindOne()
	if !repository.ApplyFindOptions(opts).WithPassword {
		findOpts.SetProjection(defaultProjection)
	}

	var doc userDocument
	if err := r.coll.FindOne(ctx, filter, findOpts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *UserRepository) updateByID(ctx context.Context, id string, set bson.D) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return domain.ErrNotFound
	}
	res, err := r.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return err
		}
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (d *userDocument) toDomain() *domain.User {
	user := &domain.User{
		ID:           d.ID.Hex(),
		Name:         d.Name,
		Email:        d.Email,
		Photo:        d.Photo,
		PasswordHash: d.Password,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.PasswordChangedAt != nil {
		t := d.PasswordChangedAt.UTC()
		user.PasswordChangedAt = &t
	}
	return user
}

// timestamp truncates to the millisecond precision BSON dates store.
func timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
