package mailbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"chat_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	messages  map[string]*model.OfflineMessage
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]*model.OfflineMessage)}
}

func (f *fakeStore) Insert(ctx context.Context, msg *model.OfflineMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := *msg
	f.messages[msg.ID] = &cp
	return nil
}

func (f *fakeStore) ListUndelivered(ctx context.Context, recipientID string) ([]*model.OfflineMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.OfflineMessage
	for _, m := range f.messages {
		if m.RecipientID == recipientID && !m.Delivered {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok || m.Delivered {
		return false, nil
	}
	m.Delivered = true
	return true, nil
}

func (f *fakeStore) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for id, m := range f.messages {
		if m.Delivered && m.Timestamp.Before(cutoff) {
			delete(f.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeStore) RecipientsWithUndeliveredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range f.messages {
		if !m.Delivered && m.Timestamp.Before(cutoff) && !seen[m.RecipientID] {
			seen[m.RecipientID] = true
			out = append(out, m.RecipientID)
		}
	}
	return out, nil
}

type fakePush struct {
	mu       sync.Mutex
	notified []string
}

func (f *fakePush) Notify(ctx context.Context, userID, senderName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, userID)
	return nil
}

func offlineMsg(id, recipient string, at time.Time) *model.OfflineMessage {
	return &model.OfflineMessage{
		ID:               id,
		SenderID:         "sender",
		RecipientID:      recipient,
		EncryptedPayload: []byte("blob-" + id),
		Timestamp:        at,
	}
}

func TestStoreNeverPropagatesFailure(t *testing.T) {
	store := newFakeStore()
	mb := NewMailbox(store, &fakePush{})

	assert.True(t, mb.Store(context.Background(), offlineMsg("m1", "bob", time.Now())))

	store.insertErr = errors.New("db down")
	assert.False(t, mb.Store(context.Background(), offlineMsg("m2", "bob", time.Now())))
}

func TestFlushDeliversInTimestampOrderExactlyOnce(t *testing.T) {
	store := newFakeStore()
	mb := NewMailbox(store, &fakePush{})
	ctx := context.Background()

	base := time.Now()
	mb.Store(ctx, offlineMsg("m2", "bob", base.Add(2*time.Second)))
	mb.Store(ctx, offlineMsg("m1", "bob", base.Add(1*time.Second)))
	mb.Store(ctx, offlineMsg("m3", "bob", base.Add(3*time.Second)))

	var sentIDs []string
	flushed, err := mb.Flush(ctx, "bob", func(m *model.OfflineMessage) error {
		sentIDs = append(sentIDs, m.ID)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, flushed, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, sentIDs)

	// an immediate second flush finds nothing
	again, err := mb.Flush(ctx, "bob", func(m *model.OfflineMessage) error {
		t.Fatalf("unexpected send of %s", m.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFlushSendFailureLeavesRowForNextConnect(t *testing.T) {
	store := newFakeStore()
	mb := NewMailbox(store, &fakePush{})
	ctx := context.Background()

	base := time.Now()
	mb.Store(ctx, offlineMsg("m1", "bob", base))
	mb.Store(ctx, offlineMsg("m2", "bob", base.Add(time.Second)))

	flushed, err := mb.Flush(ctx, "bob", func(m *model.OfflineMessage) error {
		if m.ID == "m1" {
			return errors.New("transport hiccup")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, "m2", flushed[0].ID)

	// m1 is retried on the next flush
	retried, err := mb.Flush(ctx, "bob", func(m *model.OfflineMessage) error { return nil })
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, "m1", retried[0].ID)
}

func TestCleanupSweepsOnlyDeliveredRows(t *testing.T) {
	store := newFakeStore()
	mb := NewMailbox(store, &fakePush{})
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour)
	mb.Store(ctx, offlineMsg("delivered-old", "bob", old))
	mb.Store(ctx, offlineMsg("undelivered-old", "bob", old))
	store.MarkDelivered(ctx, "delivered-old")

	mb.Cleanup(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotContains(t, store.messages, "delivered-old")
	assert.Contains(t, store.messages, "undelivered-old")
}

func TestDigestNudgesUsersWithStalePending(t *testing.T) {
	store := newFakeStore()
	push := &fakePush{}
	mb := NewMailbox(store, push)
	ctx := context.Background()

	mb.Store(ctx, offlineMsg("stale", "bob", time.Now().Add(-2*time.Hour)))
	mb.Store(ctx, offlineMsg("fresh", "carol", time.Now()))

	mb.Digest(ctx)

	push.mu.Lock()
	defer push.mu.Unlock()
	assert.Equal(t, []string{"bob"}, push.notified)
}
