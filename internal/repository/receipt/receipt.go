package receipt

import (
	"context"
	"time"

	"chat_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// ReceiptRepo is an append-only trail of per-message delivery
	// status. Rows are never updated in place.
	ReceiptRepo struct {
		collection *mongo.Collection
	}
)

func NewReceiptRepo(db *mongo.Database) *ReceiptRepo {
	return &ReceiptRepo{
		collection: db.Collection("read_receipts"),
	}
}

func (r *ReceiptRepo) Append(ctx context.Context, messageID, senderID, recipientID, status string) error {
	rec := &model.ReadReceipt{
		MessageID:   messageID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Status:      status,
		Timestamp:   time.Now(),
	}

	_, err := r.collection.InsertOne(ctx, rec)
	return err
}

// Trail returns the message's lifecycle entries in insertion order.
func (r *ReceiptRepo) Trail(ctx context.Context, messageID string) ([]*model.ReadReceipt, error) {
	filter := bson.M{
		"message_id": messageID,
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"timestamp": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var trail []*model.ReadReceipt
	if err := cursor.All(ctx, &trail); err != nil {
		return nil, err
	}
	return trail, nil
}
