package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// DeviceKey is one device-bound public key for a user. Many per
	// user; at most one active per (userId, deviceId). Deactivation is
	// a soft delete so the audit trail survives.
	DeviceKey struct {
		ID                 primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		UserID             string             `bson:"user_id" json:"userId"`
		DeviceID           string             `bson:"device_id" json:"deviceId"`
		PublicKey          []byte             `bson:"public_key" json:"publicKey"`
		IsActive           bool               `bson:"is_active" json:"isActive"`
		CreatedAt          time.Time          `bson:"created_at" json:"createdAt"`
		LastUsedAt         time.Time          `bson:"last_used_at" json:"lastUsedAt"`
		DeactivatedAt      *time.Time         `bson:"deactivated_at,omitempty" json:"deactivatedAt,omitempty"`
		DeactivationReason string             `bson:"deactivation_reason,omitempty" json:"deactivationReason,omitempty"`
	}
)
