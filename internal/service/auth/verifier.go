package auth

import (
	"context"
	"time"

	"chat_relay/internal/cryptographic/signature"
	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	// DefaultReplayWindow bounds |now - timestamp| for a challenge to
	// be fresh. The boundary is inclusive: a skew of exactly the
	// window is still accepted.
	DefaultReplayWindow = 5 * time.Minute

	// DefaultMigrationWindow is how long after a completed device
	// migration the target key may authenticate before it has been
	// registered as a device key.
	DefaultMigrationWindow = 60 * time.Minute
)

// Candidate sources, recorded on the resolved identity.
const (
	SourceDeviceKey = "device_key"
	SourceLegacy    = "legacy"
	SourceMigration = "migration"
)

type (
	DeviceKeyStore interface {
		GetActive(ctx context.Context, userID, deviceID string) (*model.DeviceKey, error)
		ListActive(ctx context.Context, userID string) ([]*model.DeviceKey, error)
		Register(ctx context.Context, key *model.DeviceKey) error
		TouchLastUsed(ctx context.Context, userID, deviceID string) error
	}

	LegacyKeyStore interface {
		LegacyPublicKey(ctx context.Context, userID string) ([]byte, error)
	}

	MigrationLookup interface {
		RecentCompleted(ctx context.Context, userID string, since time.Time) ([]*model.MigrationSession, error)
	}

	KeyCache interface {
		Get(ctx context.Context, userID string) ([]byte, bool, error)
		Put(ctx context.Context, userID string, publicKey []byte) error
	}

	// Identity is the outcome of a successful verification.
	Identity struct {
		UserID    string
		DeviceID  string
		PublicKey []byte
		Source    string
	}

	// Verifier resolves a signed challenge to an identity by walking
	// an ordered list of candidate keys: the named device key, every
	// active device key, the legacy account key, then keys from
	// recently completed migrations. First match wins; a failing
	// candidate is skipped, never fatal.
	Verifier struct {
		deviceKeys      DeviceKeyStore
		legacyKeys      LegacyKeyStore
		migrations      MigrationLookup
		cache           KeyCache
		replayWindow    time.Duration
		migrationWindow time.Duration
		now             func() time.Time
	}

	candidate struct {
		publicKey []byte
		deviceID  string
		source    string
	}
)

func NewVerifier(deviceKeys DeviceKeyStore, legacyKeys LegacyKeyStore, migrations MigrationLookup, cache KeyCache) *Verifier {
	return &Verifier{
		deviceKeys:      deviceKeys,
		legacyKeys:      legacyKeys,
		migrations:      migrations,
		cache:           cache,
		replayWindow:    DefaultReplayWindow,
		migrationWindow: DefaultMigrationWindow,
		now:             time.Now,
	}
}

// WithClock substitutes the time source, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyConnection authenticates the first frame of a connection.
func (v *Verifier) VerifyConnection(ctx context.Context, frame *model.AuthFrame) (*Identity, error) {
	if frame.UserID == "" || frame.Timestamp == 0 || len(frame.Signature) == 0 {
		return nil, errMissingFields("userId, timestamp and signature are required")
	}

	challenge := ConnectionChallenge(frame.Timestamp, frame.UserID, frame.PeerUserID)
	return v.verify(ctx, frame.UserID, frame.DeviceID, frame.Timestamp, frame.Signature, challenge)
}

// VerifyRequest authenticates the header-based signed-request
// convention, where the challenge covers the request body.
func (v *Verifier) VerifyRequest(ctx context.Context, userID, deviceID string, timestamp int64, sig, body []byte) (*Identity, error) {
	if userID == "" || timestamp == 0 || len(sig) == 0 {
		return nil, errMissingFields("user id, timestamp and signature headers are required")
	}

	challenge := RequestChallenge(timestamp, body)
	return v.verify(ctx, userID, deviceID, timestamp, sig, challenge)
}

func (v *Verifier) verify(ctx context.Context, userID, deviceID string, timestamp int64, sig, challenge []byte) (*Identity, error) {
	if !v.fresh(timestamp) {
		return nil, errExpired("challenge timestamp outside the replay window")
	}

	for _, cand := range v.candidates(ctx, userID, deviceID) {
		if !signature.ED25519Verify(cand.publicKey, challenge, sig) {
			continue
		}

		id := &Identity{
			UserID:    userID,
			DeviceID:  cand.deviceID,
			PublicKey: cand.publicKey,
			Source:    cand.source,
		}
		v.afterMatch(userID, deviceID, cand)
		return id, nil
	}

	return nil, errInvalidSignature()
}

// fresh applies the replay window, inclusive at the boundary.
func (v *Verifier) fresh(timestamp int64) bool {
	skew := v.now().Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	return skew <= v.replayWindow
}

// candidates builds the ordered key list. A store failure for one
// source drops that source, never the whole attempt.
func (v *Verifier) candidates(ctx context.Context, userID, deviceID string) []candidate {
	var out []candidate

	if deviceID != "" {
		key, err := v.deviceKeys.GetActive(ctx, userID, deviceID)
		if err != nil {
			log.Error("device key lookup failed", zap.String("userID", userID), zap.Error(err))
		} else if key != nil {
			out = append(out, candidate{publicKey: key.PublicKey, deviceID: key.DeviceID, source: SourceDeviceKey})
		}
	} else {
		keys, err := v.deviceKeys.ListActive(ctx, userID)
		if err != nil {
			log.Error("device key listing failed", zap.String("userID", userID), zap.Error(err))
		}
		for _, key := range keys {
			out = append(out, candidate{publicKey: key.PublicKey, deviceID: key.DeviceID, source: SourceDeviceKey})
		}
	}

	if legacy := v.legacyCandidate(ctx, userID); legacy != nil {
		out = append(out, *legacy)
	}

	since := v.now().Add(-v.migrationWindow)
	sessions, err := v.migrations.RecentCompleted(ctx, userID, since)
	if err != nil {
		log.Error("migration lookup failed", zap.String("userID", userID), zap.Error(err))
	}
	for _, sess := range sessions {
		if len(sess.TargetPublicKey) == 0 {
			continue
		}
		out = append(out, candidate{
			publicKey: sess.TargetPublicKey,
			deviceID:  sess.TargetDeviceID,
			source:    SourceMigration,
		})
	}

	return out
}

// legacyCandidate reads the account's pre-multi-device key through the
// cache.
func (v *Verifier) legacyCandidate(ctx context.Context, userID string) *candidate {
	if cached, ok, err := v.cache.Get(ctx, userID); err == nil && ok {
		return &candidate{publicKey: cached, source: SourceLegacy}
	}

	key, err := v.legacyKeys.LegacyPublicKey(ctx, userID)
	if err != nil {
		log.Error("legacy key lookup failed", zap.String("userID", userID), zap.Error(err))
		return nil
	}
	if len(key) == 0 {
		return nil
	}

	if err := v.cache.Put(ctx, userID, key); err != nil {
		log.Error("legacy key cache put failed", zap.String("userID", userID), zap.Error(err))
	}
	return &candidate{publicKey: key, source: SourceLegacy}
}

// afterMatch runs the detached bookkeeping a successful verification
// triggers: freshening lastUsedAt, and registering the device key for
// a migration-sourced match so the fallback is only needed once.
func (v *Verifier) afterMatch(userID, requestDeviceID string, cand candidate) {
	deviceID := cand.deviceID
	if deviceID == "" {
		deviceID = requestDeviceID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		switch cand.source {
		case SourceMigration:
			if deviceID == "" {
				return
			}
			err := v.deviceKeys.Register(ctx, &model.DeviceKey{
				UserID:    userID,
				DeviceID:  deviceID,
				PublicKey: cand.publicKey,
			})
			if err != nil {
				log.Error("post-migration device key registration failed",
					zap.String("userID", userID), zap.Error(err))
			}
		case SourceDeviceKey:
			if err := v.deviceKeys.TouchLastUsed(ctx, userID, deviceID); err != nil {
				log.Error("last-used update failed", zap.String("userID", userID), zap.Error(err))
			}
		}
	}()
}
