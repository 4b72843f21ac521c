package devicekey

import (
	"context"
	"time"

	"chat_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	DeviceKeyRepo struct {
		collection *mongo.Collection
	}
)

func NewDeviceKeyRepo(db *mongo.Database) *DeviceKeyRepo {
	return &DeviceKeyRepo{
		collection: db.Collection("device_keys"),
	}
}

// GetActive returns the active key for (userID, deviceID), or nil when
// none exists.
func (r *DeviceKeyRepo) GetActive(ctx context.Context, userID, deviceID string) (*model.DeviceKey, error) {
	filter := bson.M{
		"user_id":   userID,
		"device_id": deviceID,
		"is_active": true,
	}

	var key model.DeviceKey
	err := r.collection.FindOne(ctx, filter).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &key, nil
}

func (r *DeviceKeyRepo) ListActive(ctx context.Context, userID string) ([]*model.DeviceKey, error) {
	filter := bson.M{
		"user_id":   userID,
		"is_active": true,
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var keys []*model.DeviceKey
	if err := cursor.All(ctx, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Register deactivates any previous active key for the device, then
// inserts the new one. Keeps the one-active-key-per-device invariant.
func (r *DeviceKeyRepo) Register(ctx context.Context, key *model.DeviceKey) error {
	if err := r.Deactivate(ctx, key.UserID, key.DeviceID, "replaced by new key"); err != nil {
		return err
	}

	key.IsActive = true
	key.CreatedAt = time.Now()
	key.LastUsedAt = key.CreatedAt
	_, err := r.collection.InsertOne(ctx, key)
	return err
}

// Deactivate soft-deletes the active key for the device. The record is
// kept for audit.
func (r *DeviceKeyRepo) Deactivate(ctx context.Context, userID, deviceID, reason string) error {
	now := time.Now()
	filter := bson.M{
		"user_id":   userID,
		"device_id": deviceID,
		"is_active": true,
	}
	update := bson.M{
		"$set": bson.M{
			"is_active":           false,
			"deactivated_at":      now,
			"deactivation_reason": reason,
		},
	}

	_, err := r.collection.UpdateMany(ctx, filter, update)
	return err
}

func (r *DeviceKeyRepo) TouchLastUsed(ctx context.Context, userID, deviceID string) error {
	filter := bson.M{
		"user_id":   userID,
		"device_id": deviceID,
		"is_active": true,
	}
	update := bson.M{
		"$set": bson.M{"last_used_at": time.Now()},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}
