package model

import "time"

// Receipt statuses, append-only per-message lifecycle.
const (
	ReceiptSent      = "SENT"
	ReceiptDelivered = "DELIVERED"
	ReceiptRead      = "READ"
)

type (
	// OfflineMessage is one undelivered payload parked for a recipient.
	// Delivered flips exactly once; the row is only deleted by the
	// retention sweep after it has been delivered.
	OfflineMessage struct {
		ID               string    `bson:"_id" json:"id"`
		SenderID         string    `bson:"sender_id" json:"senderId"`
		RecipientID      string    `bson:"recipient_id" json:"recipientId"`
		SenderName       string    `bson:"sender_name,omitempty" json:"senderName,omitempty"`
		EncryptedPayload []byte    `bson:"encrypted_payload" json:"encryptedPayload"`
		SenderPublicKey  []byte    `bson:"sender_public_key,omitempty" json:"senderPublicKey,omitempty"`
		Timestamp        time.Time `bson:"timestamp" json:"timestamp"`
		Delivered        bool      `bson:"delivered" json:"delivered"`
	}

	// ReadReceipt is one entry in a message's lifecycle trail.
	ReadReceipt struct {
		MessageID   string    `bson:"message_id" json:"messageId"`
		SenderID    string    `bson:"sender_id" json:"senderId"`
		RecipientID string    `bson:"recipient_id" json:"recipientId"`
		Status      string    `bson:"status" json:"status"`
		Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	}
)
