package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type (
	// User is an account record. PublicKey is the legacy single-device
	// identity key kept for clients that predate per-device keys.
	User struct {
		ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		UserID    string             `bson:"user_id" json:"userId"`
		Name      string             `bson:"name" json:"name"`
		PublicKey []byte             `bson:"public_key" json:"publicKey"`
	}
)
