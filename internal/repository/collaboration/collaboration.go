package collaboration

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	// Record ties two users who have exchanged messages both ways.
	// Terminal records (closed/declined) do not block a new one.
	Record struct {
		UserA     string    `bson:"user_a"`
		UserB     string    `bson:"user_b"`
		Status    string    `bson:"status"`
		CreatedAt time.Time `bson:"created_at"`
	}

	CollaborationRepo struct {
		collection *mongo.Collection
	}
)

const statusActive = "ACTIVE"

func NewCollaborationRepo(db *mongo.Database) *CollaborationRepo {
	return &CollaborationRepo{
		collection: db.Collection("collaborations"),
	}
}

// HasActive reports whether a non-terminal record exists for the pair.
// The pair is stored in canonical order, so one filter suffices.
func (r *CollaborationRepo) HasActive(ctx context.Context, userA, userB string) (bool, error) {
	a, b := ordered(userA, userB)
	filter := bson.M{
		"user_a": a,
		"user_b": b,
		"status": statusActive,
	}

	count, err := r.collection.CountDocuments(ctx, filter)
	return count > 0, err
}

func (r *CollaborationRepo) Create(ctx context.Context, userA, userB string) error {
	a, b := ordered(userA, userB)
	_, err := r.collection.InsertOne(ctx, &Record{
		UserA:     a,
		UserB:     b,
		Status:    statusActive,
		CreatedAt: time.Now(),
	})
	return err
}

func ordered(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
