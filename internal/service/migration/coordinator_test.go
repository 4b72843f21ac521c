package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"chat_relay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*model.MigrationSession
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*model.MigrationSession)}
}

func (s *memStore) Insert(ctx context.Context, sess *model.MigrationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*model.MigrationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) GetByCode(ctx context.Context, code string) (*model.MigrationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *model.MigrationSession
	for _, sess := range s.sessions {
		if sess.SessionCode != code {
			continue
		}
		if newest == nil || sess.CreatedAt.After(newest.CreatedAt) {
			newest = sess
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (s *memStore) CodeInUse(ctx context.Context, code string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SessionCode == code && sess.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.Terminal() && sess.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Transition(ctx context.Context, id, from, to string, set map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != from {
		return false, nil
	}
	sess.Status = to
	for k, v := range set {
		switch k {
		case "target_device_id":
			sess.TargetDeviceID = v.(string)
		case "target_public_key":
			sess.TargetPublicKey = v.([]byte)
		case "encrypted_payload":
			sess.EncryptedPayload = v.([]byte)
		}
	}
	return true, nil
}

func (s *memStore) Complete(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Terminal() {
		return false, nil
	}
	sess.Status = model.MigrationCompleted
	sess.CompletedAt = &completedAt
	return true, nil
}

func (s *memStore) AttachSource(ctx context.Context, id, userID, sourceDeviceID string, sourcePublicKey []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.SourceDeviceID != "" {
		return false, nil
	}
	sess.UserID = userID
	sess.SourceDeviceID = sourceDeviceID
	sess.SourcePublicKey = sourcePublicKey
	return true, nil
}

func (s *memStore) IncrementAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.AttemptCount++
	}
	return nil
}

func (s *memStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if !sess.Terminal() && !sess.ExpiresAt.After(now) {
			sess.Status = model.MigrationExpired
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.Terminal() && sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) get(id string) *model.MigrationSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func testCoordinator(store SessionStore, at time.Time) *Coordinator {
	return NewCoordinator(store).WithClock(func() time.Time { return at })
}

func TestCreateSession(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)

	sess, err := c.CreateSession(context.Background(), "alice", "d1", []byte("pk"))
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPending, sess.Status)
	assert.Len(t, sess.SessionCode, 10)
	assert.Equal(t, "alice", sess.UserID)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
}

func TestCreateSessionCap(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	for i := 0; i < DefaultActiveSessionCap; i++ {
		_, err := c.CreateSession(ctx, "alice", "d1", nil)
		require.NoError(t, err)
	}

	_, err := c.CreateSession(ctx, "alice", "d1", nil)
	assert.ErrorIs(t, err, ErrTooManySessions)

	// other users are unaffected
	_, err = c.CreateSession(ctx, "bob", "d9", nil)
	assert.NoError(t, err)
}

func TestHappyPathStateMachine(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "alice", "d-old", []byte("src-pk"))
	require.NoError(t, err)

	reg, err := c.RegisterTargetDevice(ctx, sess.SessionCode, "d-new", []byte("tgt-pk"))
	require.NoError(t, err)
	assert.Equal(t, model.MigrationAwaitingConfirmation, reg.Status)
	assert.Equal(t, sess.ID, reg.ID)

	require.NoError(t, c.StorePayload(ctx, sess.ID, "alice", "d-old", []byte("src-pk"), []byte("blob")))
	assert.Equal(t, model.MigrationTransferring, store.get(sess.ID).Status)

	payload, err := c.RetrievePayload(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), payload)

	require.NoError(t, c.CompleteSession(ctx, sess.ID))
	got := store.get(sess.ID)
	assert.Equal(t, model.MigrationCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestRegisterFailsOnceTransferring(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, "alice", "d-old", nil)
	_, err := c.RegisterTargetDevice(ctx, sess.SessionCode, "d-new", nil)
	require.NoError(t, err)
	require.NoError(t, c.StorePayload(ctx, sess.ID, "alice", "d-old", nil, []byte("blob")))

	_, err = c.RegisterTargetDevice(ctx, sess.SessionCode, "d-other", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStorePayloadFailsBeforeRegistration(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, "alice", "d-old", nil)

	err := c.StorePayload(ctx, sess.ID, "alice", "d-old", nil, []byte("blob"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteIsIdempotent(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, "alice", "d-old", nil)
	require.NoError(t, c.CompleteSession(ctx, sess.ID))
	first := *store.get(sess.ID).CompletedAt

	require.NoError(t, c.CompleteSession(ctx, sess.ID))
	assert.Equal(t, first, *store.get(sess.ID).CompletedAt)
	assert.Equal(t, model.MigrationCompleted, store.get(sess.ID).Status)
}

func TestCancelRules(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	pending, _ := c.CreateSession(ctx, "alice", "d1", nil)
	require.NoError(t, c.CancelSession(ctx, pending.ID))
	assert.Equal(t, model.MigrationCancelled, store.get(pending.ID).Status)

	// no resurrection, no error
	require.NoError(t, c.CancelSession(ctx, pending.ID))
	assert.Equal(t, model.MigrationCancelled, store.get(pending.ID).Status)

	transferring, _ := c.CreateSession(ctx, "bob", "d1", nil)
	c.RegisterTargetDevice(ctx, transferring.SessionCode, "d2", nil)
	c.StorePayload(ctx, transferring.ID, "bob", "d1", nil, []byte("blob"))

	assert.ErrorIs(t, c.CancelSession(ctx, transferring.ID), ErrInvalidState)

	// completing an already-cancelled session is a no-op
	require.NoError(t, c.CompleteSession(ctx, pending.ID))
	assert.Equal(t, model.MigrationCancelled, store.get(pending.ID).Status)
}

func TestOnDemandSessionAttachesSourceLater(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	// target submits a code the server never issued
	sess, err := c.RegisterTargetDevice(ctx, "LEGACYCODE", "d-new", []byte("tgt-pk"))
	require.NoError(t, err)
	assert.Equal(t, model.MigrationAwaitingConfirmation, sess.Status)
	assert.Empty(t, sess.UserID)

	require.NoError(t, c.StorePayload(ctx, sess.ID, "alice", "d-old", []byte("src-pk"), []byte("blob")))

	got := store.get(sess.ID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "d-old", got.SourceDeviceID)
	assert.Equal(t, model.MigrationTransferring, got.Status)
}

func TestExpiredSessionRejectsRegistration(t *testing.T) {
	store := newMemStore()
	start := time.Now()
	c := testCoordinator(store, start)

	sess, err := c.CreateSession(context.Background(), "alice", "d1", nil)
	require.NoError(t, err)

	late := testCoordinator(store, start.Add(DefaultSessionLifetime+time.Minute))
	_, err = late.RegisterTargetDevice(context.Background(), sess.SessionCode, "d2", nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, model.MigrationExpired, store.get(sess.ID).Status)
}

func TestLapsedSessionCannotBeCompletedOrCancelled(t *testing.T) {
	store := newMemStore()
	start := time.Now()
	c := testCoordinator(store, start)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "alice", "d1", nil)
	require.NoError(t, err)

	late := testCoordinator(store, start.Add(DefaultSessionLifetime+time.Minute))

	// completing a lapsed session is a no-op, so it can never feed
	// the post-migration auth fallback
	require.NoError(t, late.CompleteSession(ctx, sess.ID))
	assert.Equal(t, model.MigrationExpired, store.get(sess.ID).Status)
	assert.Nil(t, store.get(sess.ID).CompletedAt)

	other, err := c.CreateSession(ctx, "bob", "d1", nil)
	require.NoError(t, err)
	require.NoError(t, late.CancelSession(ctx, other.ID))
	assert.Equal(t, model.MigrationExpired, store.get(other.ID).Status)
}

func TestRetrievePayloadBeforeStore(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, "alice", "d1", nil)
	_, err := c.RetrievePayload(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrPayloadMissing)

	_, err = c.RetrievePayload(ctx, "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentCodesAreUnique(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(store)
	ctx := context.Background()

	const n = 1000
	codes := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := c.CreateSession(ctx, "user-"+string(rune('a'+i%26))+string(rune('a'+i/26)), "d1", nil)
			if err != nil {
				t.Error(err)
				return
			}
			codes <- sess.SessionCode
		}(i)
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]bool)
	for code := range codes {
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestCleanupRetention(t *testing.T) {
	store := newMemStore()
	now := time.Now()

	eightDays := now.Add(-8 * 24 * time.Hour)
	oneDay := now.Add(-24 * time.Hour)
	done := now.Add(-time.Hour)
	store.Insert(context.Background(), &model.MigrationSession{
		ID: "old", Status: model.MigrationCompleted, CreatedAt: eightDays, ExpiresAt: eightDays.Add(time.Hour), CompletedAt: &done,
	})
	store.Insert(context.Background(), &model.MigrationSession{
		ID: "recent", Status: model.MigrationCompleted, CreatedAt: oneDay, ExpiresAt: oneDay.Add(time.Hour), CompletedAt: &done,
	})
	store.Insert(context.Background(), &model.MigrationSession{
		ID: "stale-pending", Status: model.MigrationPending, CreatedAt: oneDay, ExpiresAt: oneDay.Add(time.Hour),
	})

	c := testCoordinator(store, now)
	c.Cleanup(context.Background())

	assert.Nil(t, store.get("old"))
	require.NotNil(t, store.get("recent"))
	assert.Equal(t, model.MigrationCompleted, store.get("recent").Status)
	assert.Equal(t, model.MigrationExpired, store.get("stale-pending").Status)
}
