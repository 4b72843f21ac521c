package user

import (
	"context"

	"chat_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	UserRepo struct {
		collection *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

func (r *UserRepo) GetByUserID(ctx context.Context, userID string) (*model.User, error) {
	filter := bson.M{
		"user_id": userID,
	}

	var user model.User
	err := r.collection.FindOne(ctx, filter).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &user, nil
}

// LegacyPublicKey returns the account's pre-multi-device identity key,
// or nil when the user has none.
func (r *UserRepo) LegacyPublicKey(ctx context.Context, userID string) ([]byte, error) {
	user, err := r.GetByUserID(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	return user.PublicKey, nil
}

func (r *UserRepo) Create(ctx context.Context, user *model.User) (primitive.ObjectID, error) {
	res, err := r.collection.InsertOne(ctx, user)
	if err != nil {
		return primitive.NilObjectID, err
	}

	id := res.InsertedID.(primitive.ObjectID)
	user.ID = id
	return id, nil
}
