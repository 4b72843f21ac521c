package model

import "time"

// Migration session states. Transitions are monotonic; COMPLETED,
// CANCELLED and EXPIRED are terminal.
const (
	MigrationPending              = "PENDING"
	MigrationAwaitingConfirmation = "AWAITING_CONFIRMATION"
	MigrationTransferring         = "TRANSFERRING"
	MigrationCompleted            = "COMPLETED"
	MigrationCancelled            = "CANCELLED"
	MigrationExpired              = "EXPIRED"
)

type (
	// MigrationSession pairs a source and a target device while a
	// credential moves between them. The encrypted payload is opaque:
	// the source encrypts it end-to-end for the target's key.
	MigrationSession struct {
		ID               string     `bson:"_id" json:"id"`
		SessionCode      string     `bson:"session_code" json:"sessionCode"`
		UserID           string     `bson:"user_id,omitempty" json:"userId,omitempty"`
		SourceDeviceID   string     `bson:"source_device_id,omitempty" json:"sourceDeviceId,omitempty"`
		SourcePublicKey  []byte     `bson:"source_public_key,omitempty" json:"sourcePublicKey,omitempty"`
		TargetDeviceID   string     `bson:"target_device_id,omitempty" json:"targetDeviceId,omitempty"`
		TargetPublicKey  []byte     `bson:"target_public_key,omitempty" json:"targetPublicKey,omitempty"`
		Status           string     `bson:"status" json:"status"`
		EncryptedPayload []byte     `bson:"encrypted_payload,omitempty" json:"-"`
		CreatedAt        time.Time  `bson:"created_at" json:"createdAt"`
		ExpiresAt        time.Time  `bson:"expires_at" json:"expiresAt"`
		CompletedAt      *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
		AttemptCount     int        `bson:"attempt_count" json:"attemptCount"`
	}
)

// Terminal reports whether the session can never transition again.
func (s *MigrationSession) Terminal() bool {
	switch s.Status {
	case MigrationCompleted, MigrationCancelled, MigrationExpired:
		return true
	}
	return false
}
