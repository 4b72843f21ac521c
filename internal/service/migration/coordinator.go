package migration

import (
	"context"
	"errors"
	"time"

	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultSessionLifetime bounds how long a pairing code stays
	// redeemable.
	DefaultSessionLifetime = 30 * time.Minute

	// DefaultActiveSessionCap limits concurrent migrations per user.
	DefaultActiveSessionCap = 3

	// DefaultCleanupEvery is the sweep interval.
	DefaultCleanupEvery = time.Hour

	// DefaultTerminalRetention is how long terminal sessions are kept
	// before the sweep purges them.
	DefaultTerminalRetention = 7 * 24 * time.Hour

	// codeRetries bounds collision retries during code generation.
	codeRetries = 10
)

var (
	ErrTooManySessions = errors.New("too many active migration sessions")
	ErrSessionNotFound = errors.New("migration session not found")
	ErrSessionExpired  = errors.New("migration session expired")
	ErrInvalidState    = errors.New("operation not legal in the session's current state")
	ErrCodeCollision   = errors.New("could not generate a unique session code")
	ErrPayloadMissing  = errors.New("no payload stored for session")
)

type (
	// SessionStore is the durable backing of the coordinator. All
	// state transitions go through single-document conditional writes
	// so races resolve in the store, not in memory.
	SessionStore interface {
		Insert(ctx context.Context, sess *model.MigrationSession) error
		GetByID(ctx context.Context, id string) (*model.MigrationSession, error)
		GetByCode(ctx context.Context, code string) (*model.MigrationSession, error)
		CodeInUse(ctx context.Context, code string, now time.Time) (bool, error)
		CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error)
		Transition(ctx context.Context, id, from, to string, set map[string]interface{}) (bool, error)
		Complete(ctx context.Context, id string, completedAt time.Time) (bool, error)
		AttachSource(ctx context.Context, id, userID, sourceDeviceID string, sourcePublicKey []byte) (bool, error)
		IncrementAttempts(ctx context.Context, id string) error
		ExpireStale(ctx context.Context, now time.Time) (int64, error)
		DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// Coordinator runs the device-pairing state machine:
	// PENDING -> AWAITING_CONFIRMATION -> TRANSFERRING -> COMPLETED,
	// with CANCELLED and EXPIRED as the other terminal states.
	Coordinator struct {
		store             SessionStore
		lifetime          time.Duration
		activeCap         int64
		terminalRetention time.Duration
		now               func() time.Time
	}
)

func NewCoordinator(store SessionStore) *Coordinator {
	return &Coordinator{
		store:             store,
		lifetime:          DefaultSessionLifetime,
		activeCap:         DefaultActiveSessionCap,
		terminalRetention: DefaultTerminalRetention,
		now:               time.Now,
	}
}

// WithClock substitutes the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// CreateSession opens a PENDING session for the source device and
// hands back the human-enterable pairing code.
func (c *Coordinator) CreateSession(ctx context.Context, userID, sourceDeviceID string, sourcePublicKey []byte) (*model.MigrationSession, error) {
	now := c.now()

	active, err := c.store.CountActiveForUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if active >= c.activeCap {
		return nil, ErrTooManySessions
	}

	code, err := c.uniqueCode(ctx, now)
	if err != nil {
		return nil, err
	}

	sess := &model.MigrationSession{
		ID:              uuid.NewString(),
		SessionCode:     code,
		UserID:          userID,
		SourceDeviceID:  sourceDeviceID,
		SourcePublicKey: sourcePublicKey,
		Status:          model.MigrationPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.lifetime),
	}

	if err := c.store.Insert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Coordinator) uniqueCode(ctx context.Context, now time.Time) (string, error) {
	for i := 0; i < codeRetries; i++ {
		code, err := newSessionCode()
		if err != nil {
			return "", err
		}

		inUse, err := c.store.CodeInUse(ctx, code, now)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", ErrCodeCollision
}

// RegisterTargetDevice redeems a pairing code on the new device. An
// unknown code opens an on-demand session owned by the target, with
// the source side attached later when the payload arrives; this keeps
// older clients that never call CreateSession working.
func (c *Coordinator) RegisterTargetDevice(ctx context.Context, code, targetDeviceID string, targetPublicKey []byte) (*model.MigrationSession, error) {
	now := c.now()

	sess, err := c.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if sess == nil {
		onDemand := &model.MigrationSession{
			ID:              uuid.NewString(),
			SessionCode:     code,
			TargetDeviceID:  targetDeviceID,
			TargetPublicKey: targetPublicKey,
			Status:          model.MigrationAwaitingConfirmation,
			CreatedAt:       now,
			ExpiresAt:       now.Add(c.lifetime),
		}
		if err := c.store.Insert(ctx, onDemand); err != nil {
			return nil, err
		}
		return onDemand, nil
	}

	if err := c.store.IncrementAttempts(ctx, sess.ID); err != nil {
		log.Error("attempt count update failed", zap.String("sessionID", sess.ID), zap.Error(err))
	}

	if c.expire(ctx, sess, now) {
		return nil, ErrSessionExpired
	}
	if sess.Status != model.MigrationPending {
		return nil, ErrInvalidState
	}

	ok, err := c.store.Transition(ctx, sess.ID, model.MigrationPending, model.MigrationAwaitingConfirmation, map[string]interface{}{
		"target_device_id":  targetDeviceID,
		"target_public_key": targetPublicKey,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost a race: the session left PENDING between read and write
		return nil, ErrInvalidState
	}

	sess.Status = model.MigrationAwaitingConfirmation
	sess.TargetDeviceID = targetDeviceID
	sess.TargetPublicKey = targetPublicKey
	return sess, nil
}

// StorePayload accepts the opaque blob the source encrypted for the
// target and moves the session to TRANSFERRING. For an on-demand
// session this is also where the source side attaches; the first
// source device wins the attach.
func (c *Coordinator) StorePayload(ctx context.Context, sessionID, userID, sourceDeviceID string, sourcePublicKey, payload []byte) error {
	now := c.now()

	sess, err := c.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if c.expire(ctx, sess, now) {
		return ErrSessionExpired
	}
	if sess.Status != model.MigrationAwaitingConfirmation {
		return ErrInvalidState
	}

	if sess.SourceDeviceID == "" {
		attached, err := c.store.AttachSource(ctx, sessionID, userID, sourceDeviceID, sourcePublicKey)
		if err != nil {
			return err
		}
		if !attached {
			// a different source device got here first
			return ErrInvalidState
		}
	}

	ok, err := c.store.Transition(ctx, sessionID, model.MigrationAwaitingConfirmation, model.MigrationTransferring, map[string]interface{}{
		"encrypted_payload": payload,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// RetrievePayload hands the stored blob to the target device.
func (c *Coordinator) RetrievePayload(ctx context.Context, sessionID string) ([]byte, error) {
	sess, err := c.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if c.expire(ctx, sess, c.now()) {
		return nil, ErrSessionExpired
	}
	if len(sess.EncryptedPayload) == 0 {
		return nil, ErrPayloadMissing
	}
	return sess.EncryptedPayload, nil
}

// CompleteSession finalizes the migration from any non-terminal state.
// Repeat calls are no-ops. The completed record is what the auth
// fallback consults for the next hour.
func (c *Coordinator) CompleteSession(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Terminal() {
		return nil
	}
	if c.expire(ctx, sess, c.now()) {
		// a lapsed session must never become COMPLETED, or it would
		// feed the post-migration auth fallback
		return nil
	}

	if _, err := c.store.Complete(ctx, sessionID, c.now()); err != nil {
		return err
	}
	return nil
}

// CancelSession aborts a session that has not started transferring.
// Terminal sessions are left untouched.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Terminal() {
		return nil
	}
	if c.expire(ctx, sess, c.now()) {
		return nil
	}
	if sess.Status != model.MigrationPending && sess.Status != model.MigrationAwaitingConfirmation {
		return ErrInvalidState
	}

	ok, err := c.store.Transition(ctx, sessionID, sess.Status, model.MigrationCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// expire opportunistically marks a stale session EXPIRED on access.
func (c *Coordinator) expire(ctx context.Context, sess *model.MigrationSession, now time.Time) bool {
	if sess.Terminal() {
		return sess.Status == model.MigrationExpired
	}
	if now.Before(sess.ExpiresAt) {
		return false
	}

	if _, err := c.store.Transition(ctx, sess.ID, sess.Status, model.MigrationExpired, nil); err != nil {
		log.Error("expire transition failed", zap.String("sessionID", sess.ID), zap.Error(err))
	}
	sess.Status = model.MigrationExpired
	return true
}

// Cleanup expires stale sessions and purges old terminal ones.
func (c *Coordinator) Cleanup(ctx context.Context) {
	now := c.now()

	expired, err := c.store.ExpireStale(ctx, now)
	if err != nil {
		log.Error("migration expire sweep failed", zap.Error(err))
	}

	purged, err := c.store.DeleteTerminalBefore(ctx, now.Add(-c.terminalRetention))
	if err != nil {
		log.Error("migration purge sweep failed", zap.Error(err))
	}

	if expired > 0 || purged > 0 {
		log.Info("migration cleanup", zap.Int64("expired", expired), zap.Int64("purged", purged))
	}
}

// RunCleanup sweeps on a fixed interval until the context is
// cancelled.
func (c *Coordinator) RunCleanup(ctx context.Context, every time.Duration) {
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
			c.Cleanup(ctx)
		}
	}
}
