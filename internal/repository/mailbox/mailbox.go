package mailbox

import (
	"context"
	"time"

	"chat_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MailboxRepo struct {
		collection *mongo.Collection
	}
)

func NewMailboxRepo(db *mongo.Database) *MailboxRepo {
	return &MailboxRepo{
		collection: db.Collection("offline_messages"),
	}
}

func (r *MailboxRepo) Insert(ctx context.Context, msg *model.OfflineMessage) error {
	_, err := r.collection.InsertOne(ctx, msg)
	return err
}

// ListUndelivered returns the recipient's pending messages in ascending
// timestamp order, the order they must be flushed in.
func (r *MailboxRepo) ListUndelivered(ctx context.Context, recipientID string) ([]*model.OfflineMessage, error) {
	filter := bson.M{
		"recipient_id": recipientID,
		"delivered":    false,
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"timestamp": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*model.OfflineMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkDelivered flips delivered exactly once. Returns false when the
// message was already delivered or does not exist.
func (r *MailboxRepo) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	filter := bson.M{
		"_id":       messageID,
		"delivered": false,
	}
	update := bson.M{
		"$set": bson.M{"delivered": true},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// DeleteDeliveredBefore purges delivered rows older than the cutoff.
// Undelivered rows are never deleted regardless of age.
func (r *MailboxRepo) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"delivered": true,
		"timestamp": bson.M{"$lt": cutoff},
	}

	res, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// RecipientsWithUndeliveredBefore lists users holding undelivered
// messages older than the cutoff, for the digest job.
func (r *MailboxRepo) RecipientsWithUndeliveredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	filter := bson.M{
		"delivered": false,
		"timestamp": bson.M{"$lt": cutoff},
	}

	raw, err := r.collection.Distinct(ctx, "recipient_id", filter)
	if err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			recipients = append(recipients, s)
		}
	}
	return recipients, nil
}
