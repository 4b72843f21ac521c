package migration

import (
	"context"
	"time"

	"chat_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var terminalStatuses = []string{
	model.MigrationCompleted,
	model.MigrationCancelled,
	model.MigrationExpired,
}

type (
	MigrationRepo struct {
		collection *mongo.Collection
	}
)

func NewMigrationRepo(db *mongo.Database) *MigrationRepo {
	return &MigrationRepo{
		collection: db.Collection("migration_sessions"),
	}
}

func (r *MigrationRepo) Insert(ctx context.Context, sess *model.MigrationSession) error {
	_, err := r.collection.InsertOne(ctx, sess)
	return err
}

func (r *MigrationRepo) GetByID(ctx context.Context, id string) (*model.MigrationSession, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// GetByCode resolves a session code to its most recent holder. Codes
// are unique among non-expired sessions but may be reused afterwards,
// so the newest session wins; the caller decides what expiry means.
func (r *MigrationRepo) GetByCode(ctx context.Context, code string) (*model.MigrationSession, error) {
	filter := bson.M{
		"session_code": code,
	}
	opts := options.FindOne().SetSort(bson.M{"created_at": -1})

	var sess model.MigrationSession
	err := r.collection.FindOne(ctx, filter, opts).Decode(&sess)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *MigrationRepo) findOne(ctx context.Context, filter bson.M) (*model.MigrationSession, error) {
	var sess model.MigrationSession
	err := r.collection.FindOne(ctx, filter).Decode(&sess)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CodeInUse reports whether the code collides with a currently
// non-expired session.
func (r *MigrationRepo) CodeInUse(ctx context.Context, code string, now time.Time) (bool, error) {
	filter := bson.M{
		"session_code": code,
		"expires_at":   bson.M{"$gt": now},
	}

	count, err := r.collection.CountDocuments(ctx, filter)
	return count > 0, err
}

func (r *MigrationRepo) CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	filter := bson.M{
		"user_id":    userID,
		"status":     bson.M{"$nin": terminalStatuses},
		"expires_at": bson.M{"$gt": now},
	}
	return r.collection.CountDocuments(ctx, filter)
}

// Transition moves the session from one status to another with a
// single conditional write. Returns false when the session was no
// longer in the expected status at write time.
func (r *MigrationRepo) Transition(ctx context.Context, id, from, to string, set map[string]interface{}) (bool, error) {
	fields := bson.M{"status": to}
	for k, v := range set {
		fields[k] = v
	}

	filter := bson.M{"_id": id, "status": from}
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": fields})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// Complete marks any non-terminal session COMPLETED. Returns false
// when the session was already terminal (idempotent from the caller's
// point of view).
func (r *MigrationRepo) Complete(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$nin": terminalStatuses},
	}
	update := bson.M{
		"$set": bson.M{
			"status":       model.MigrationCompleted,
			"completed_at": completedAt,
		},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// AttachSource fills in the owner side of an on-demand session. Only
// the first source device wins; a concurrent second attach matches
// nothing.
func (r *MigrationRepo) AttachSource(ctx context.Context, id, userID, sourceDeviceID string, sourcePublicKey []byte) (bool, error) {
	filter := bson.M{
		"_id":              id,
		"source_device_id": bson.M{"$in": []interface{}{nil, ""}},
	}
	update := bson.M{
		"$set": bson.M{
			"user_id":           userID,
			"source_device_id":  sourceDeviceID,
			"source_public_key": sourcePublicKey,
		},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (r *MigrationRepo) IncrementAttempts(ctx context.Context, id string) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"attempt_count": 1}})
	return err
}

// ExpireStale marks expired-but-unterminated sessions EXPIRED.
func (r *MigrationRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$nin": terminalStatuses},
		"expires_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{"status": model.MigrationExpired},
	}

	res, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// DeleteTerminalBefore purges terminal sessions created before the
// cutoff.
func (r *MigrationRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$in": terminalStatuses},
		"created_at": bson.M{"$lt": cutoff},
	}

	res, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// RecentCompleted lists sessions COMPLETED for the user since the
// given instant, newest first. Feeds the post-migration auth fallback.
func (r *MigrationRepo) RecentCompleted(ctx context.Context, userID string, since time.Time) ([]*model.MigrationSession, error) {
	filter := bson.M{
		"user_id":      userID,
		"status":       model.MigrationCompleted,
		"completed_at": bson.M{"$gte": since},
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"completed_at": -1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*model.MigrationSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}
