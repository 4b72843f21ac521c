package mailbox

import (
	"context"
	"time"

	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	// DefaultRetention is how long a delivered message survives before
	// the sweep removes it. Undelivered messages are never swept.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultCleanupEvery is the sweep interval.
	DefaultCleanupEvery = 24 * time.Hour

	// DefaultDigestAge is how stale an undelivered message must be
	// before its recipient shows up in the daily digest.
	DefaultDigestAge = time.Hour
)

type (
	// Store is the durable backing of the mailbox.
	Store interface {
		Insert(ctx context.Context, msg *model.OfflineMessage) error
		ListUndelivered(ctx context.Context, recipientID string) ([]*model.OfflineMessage, error)
		MarkDelivered(ctx context.Context, messageID string) (bool, error)
		DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
		RecipientsWithUndeliveredBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	}

	// PushSender is the best-effort notification collaborator. One
	// attempt per trigger, failures logged and dropped.
	PushSender interface {
		Notify(ctx context.Context, userID, senderName string) error
	}

	// Mailbox is the durable per-recipient queue of undelivered
	// payloads, and the retry mechanism for failed direct delivery.
	Mailbox struct {
		store     Store
		push      PushSender
		retention time.Duration
		digestAge time.Duration
		now       func() time.Time
	}
)

func NewMailbox(store Store, push PushSender) *Mailbox {
	return &Mailbox{
		store:     store,
		push:      push,
		retention: DefaultRetention,
		digestAge: DefaultDigestAge,
		now:       time.Now,
	}
}

// Store parks a message for an offline recipient. Never panics or
// propagates; the caller only learns success or failure.
func (m *Mailbox) Store(ctx context.Context, msg *model.OfflineMessage) bool {
	msg.Delivered = false
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}

	if err := m.store.Insert(ctx, msg); err != nil {
		log.Error("offline store failed",
			zap.String("recipientID", msg.RecipientID), zap.Error(err))
		return false
	}
	return true
}

// Flush delivers the recipient's pending messages in ascending
// timestamp order. Each message is marked delivered individually after
// its send succeeds; a failed send leaves the row for the next
// connect. Returns the messages that went out on this flush.
func (m *Mailbox) Flush(ctx context.Context, recipientID string, send func(*model.OfflineMessage) error) ([]*model.OfflineMessage, error) {
	pending, err := m.store.ListUndelivered(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	var flushed []*model.OfflineMessage
	for _, msg := range pending {
		if err := send(msg); err != nil {
			log.Error("mailbox flush send failed",
				zap.String("recipientID", recipientID),
				zap.String("messageID", msg.ID), zap.Error(err))
			continue
		}

		flipped, err := m.store.MarkDelivered(ctx, msg.ID)
		if err != nil {
			log.Error("mark delivered failed", zap.String("messageID", msg.ID), zap.Error(err))
			continue
		}
		if flipped {
			flushed = append(flushed, msg)
		}
	}
	return flushed, nil
}

// Cleanup deletes delivered rows older than the retention window.
func (m *Mailbox) Cleanup(ctx context.Context) {
	cutoff := m.now().Add(-m.retention)
	deleted, err := m.store.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		log.Error("mailbox cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		log.Info("mailbox cleanup", zap.Int64("deleted", deleted))
	}
}

// Digest pushes one best-effort nudge to every user sitting on
// undelivered messages older than the digest age.
func (m *Mailbox) Digest(ctx context.Context) {
	cutoff := m.now().Add(-m.digestAge)
	recipients, err := m.store.RecipientsWithUndeliveredBefore(ctx, cutoff)
	if err != nil {
		log.Error("digest query failed", zap.Error(err))
		return
	}

	for _, userID := range recipients {
		if err := m.push.Notify(ctx, userID, ""); err != nil {
			log.Error("digest push failed", zap.String("userID", userID), zap.Error(err))
		}
	}
}

// RunCleanup sweeps on a fixed interval until the context is
// cancelled. Talks only to the store, never to connection handling.
func (m *Mailbox) RunCleanup(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultCleanupEvery
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(ctx)
			m.Digest(ctx)
		}
	}
}
