package relay

import (
	"context"
	"sync"
	"time"

	"chat_relay/internal/model"
	"chat_relay/internal/service/federation"
	"chat_relay/internal/service/mailbox"
	"chat_relay/internal/service/registry"
	"chat_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// ReceiptStore persists the append-only delivery trail.
	ReceiptStore interface {
		Append(ctx context.Context, messageID, senderID, recipientID, status string) error
	}

	// CollaborationStore is the external conversation record keeper.
	CollaborationStore interface {
		HasActive(ctx context.Context, userA, userB string) (bool, error)
		Create(ctx context.Context, userA, userB string) error
	}

	// PushSender is the best-effort notification collaborator.
	PushSender interface {
		Notify(ctx context.Context, userID, senderName string) error
	}

	// Relay routes each message to a live session, the offline
	// mailbox, or the federation bridge, and owns receipt plumbing.
	Relay struct {
		registry *registry.Registry
		mailbox  *mailbox.Mailbox
		receipts ReceiptStore
		push     PushSender
		bridge   *federation.Bridge
		collab   CollaborationStore

		// two-way exchange counters per unordered user pair, keyed by
		// sender inside the pair
		convMu sync.Mutex
		conv   map[[2]string]map[string]int

		now func() time.Time
	}
)

func NewRelay(reg *registry.Registry, mb *mailbox.Mailbox, receipts ReceiptStore, push PushSender, bridge *federation.Bridge, collab CollaborationStore) *Relay {
	return &Relay{
		registry: reg,
		mailbox:  mb,
		receipts: receipts,
		push:     push,
		bridge:   bridge,
		collab:   collab,
		conv:     make(map[[2]string]map[string]int),
		now:      time.Now,
	}
}

// Relay routes one payload. Returns the server-assigned message id and
// whether it was delivered directly.
func (r *Relay) Relay(ctx context.Context, senderID, senderName string, senderPublicKey []byte, recipientID string, payload []byte) (string, bool, error) {
	messageID := uuid.NewString()

	if federation.IsFederated(recipientID) {
		return messageID, false, r.relayFederated(ctx, messageID, senderID, recipientID, payload)
	}

	now := r.now()

	if sess, ok := r.registry.Get(recipientID); ok {
		frame := &model.ChatFrame{
			Type:            model.FrameChat,
			SenderID:        senderID,
			SenderName:      senderName,
			RecipientID:     recipientID,
			Text:            payload,
			Timestamp:       now.Unix(),
			ServerMessageID: messageID,
			SenderPublicKey: senderPublicKey,
		}

		if err := sess.Send(frame); err == nil {
			r.deliveredReceipt(messageID, senderID, recipientID)
			r.trackExchange(ctx, senderID, recipientID)
			return messageID, true, nil
		}
		// fallthrough: the session was live but unwritable, park the
		// message instead
	}

	stored := r.mailbox.Store(ctx, &model.OfflineMessage{
		ID:               messageID,
		SenderID:         senderID,
		RecipientID:      recipientID,
		SenderName:       senderName,
		EncryptedPayload: payload,
		SenderPublicKey:  senderPublicKey,
		Timestamp:        now,
	})
	if !stored {
		return "", false, errStoreFailed
	}

	go func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.push.Notify(pushCtx, recipientID, senderName); err != nil {
			log.Error("push notify failed", zap.String("recipientID", recipientID), zap.Error(err))
		}
	}()

	r.trackExchange(ctx, senderID, recipientID)
	return messageID, false, nil
}

func (r *Relay) relayFederated(ctx context.Context, messageID, senderID, recipientID string, payload []byte) error {
	if err := r.bridge.SendFederatedMessage(ctx, senderID, recipientID, payload); err != nil {
		r.sendToUser(senderID, &model.ErrorFrame{Type: model.FrameError, Message: err.Error()})
		return err
	}

	// the foreign domain took the hand-off; all the local sender
	// learns is that the message went out
	r.sendToUser(senderID, &model.ReadReceiptFrame{
		Type:      model.FrameReadReceipt,
		MessageID: messageID,
		SenderID:  recipientID,
		Status:    model.ReceiptSent,
		Timestamp: r.now().Unix(),
	})
	return nil
}

// FlushMailbox replays the user's pending messages over their fresh
// session and issues DELIVERED receipts to the original senders.
func (r *Relay) FlushMailbox(ctx context.Context, userID string) error {
	sess, ok := r.registry.Get(userID)
	if !ok {
		return nil
	}

	flushed, err := r.mailbox.Flush(ctx, userID, func(msg *model.OfflineMessage) error {
		return sess.Send(&model.ChatFrame{
			Type:            model.FrameChat,
			SenderID:        msg.SenderID,
			SenderName:      msg.SenderName,
			RecipientID:     msg.RecipientID,
			Text:            msg.EncryptedPayload,
			Timestamp:       msg.Timestamp.Unix(),
			ServerMessageID: msg.ID,
			SenderPublicKey: msg.SenderPublicKey,
		})
	})
	if err != nil {
		return err
	}

	for _, msg := range flushed {
		r.deliveredReceipt(msg.ID, msg.SenderID, msg.RecipientID)
	}
	return nil
}

// MarkRead records a client-originated READ event and forwards it to
// the original sender when connected.
func (r *Relay) MarkRead(ctx context.Context, readerID string, frame *model.ReadReceiptFrame) {
	if err := r.receipts.Append(ctx, frame.MessageID, frame.SenderID, readerID, model.ReceiptRead); err != nil {
		log.Error("read receipt append failed", zap.String("messageID", frame.MessageID), zap.Error(err))
	}

	r.sendToUser(frame.SenderID, &model.ReadReceiptFrame{
		Type:      model.FrameReadReceipt,
		MessageID: frame.MessageID,
		SenderID:  readerID,
		Status:    model.ReceiptRead,
		Timestamp: r.now().Unix(),
	})
}

// ForwardFileNotice passes a file-availability notice to its
// recipient when connected. Notices are ephemeral; an offline
// recipient simply misses it.
func (r *Relay) ForwardFileNotice(senderID string, frame *model.FileNoticeFrame) {
	frame.Type = model.FrameFileNotice
	frame.SenderID = senderID
	r.sendToUser(frame.RecipientID, frame)
}

// deliveredReceipt persists DELIVERED and nudges the sender, both
// detached from the delivery path.
func (r *Relay) deliveredReceipt(messageID, senderID, recipientID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.receipts.Append(ctx, messageID, senderID, recipientID, model.ReceiptDelivered); err != nil {
			log.Error("receipt append failed", zap.String("messageID", messageID), zap.Error(err))
		}

		r.sendToUser(senderID, &model.ReadReceiptFrame{
			Type:      model.FrameReadReceipt,
			MessageID: messageID,
			SenderID:  recipientID,
			Status:    model.ReceiptDelivered,
			Timestamp: r.now().Unix(),
		})
	}()
}

func (r *Relay) sendToUser(userID string, frame interface{}) {
	sess, ok := r.registry.Get(userID)
	if !ok {
		return
	}
	if err := sess.Send(frame); err != nil {
		log.Debug("frame send failed", zap.String("userID", userID), zap.Error(err))
	}
}

// trackExchange counts messages per direction within a user pair. Once
// both directions have traffic and no active collaboration exists, one
// record is created and the counters reset. The existence check sits
// immediately before creation so concurrent triggers cannot double up.
func (r *Relay) trackExchange(ctx context.Context, senderID, recipientID string) {
	key := pairKey(senderID, recipientID)

	r.convMu.Lock()
	counts, ok := r.conv[key]
	if !ok {
		counts = make(map[string]int)
		r.conv[key] = counts
	}
	counts[senderID]++
	bothWays := counts[senderID] > 0 && counts[otherOf(key, senderID)] > 0
	if bothWays {
		delete(r.conv, key)
	}
	r.convMu.Unlock()

	if !bothWays {
		return
	}

	active, err := r.collab.HasActive(ctx, key[0], key[1])
	if err != nil {
		log.Error("collaboration lookup failed", zap.Error(err))
		return
	}
	if active {
		return
	}

	if err := r.collab.Create(ctx, key[0], key[1]); err != nil {
		log.Error("collaboration create failed", zap.Error(err))
	}
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func otherOf(key [2]string, one string) string {
	if key[0] == one {
		return key[1]
	}
	return key[0]
}
