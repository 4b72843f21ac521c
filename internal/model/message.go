package model

// Frame types exchanged over an authenticated connection.
const (
	FrameAuth         = "auth"
	FrameAuthResponse = "auth_response"
	FrameMessage      = "message"
	FrameChat         = "chat"
	FramePeerKey      = "peer_key"
	FrameFileNotice   = "file_notice"
	FrameStatus       = "status"
	FrameReadReceipt  = "read_receipt"
	FrameError        = "error"
)

type (
	// Envelope carries the frame type; the concrete frame is decoded
	// from the same bytes once the type is known.
	Envelope struct {
		Type string `json:"type"`
	}

	// AuthFrame is the mandatory first frame on a new connection.
	AuthFrame struct {
		Type       string `json:"type"`
		UserID     string `json:"userId"`
		PeerUserID string `json:"peerUserId"`
		DeviceID   string `json:"deviceId,omitempty"`
		PublicKey  []byte `json:"publicKey"`
		Timestamp  int64  `json:"timestamp"`
		Signature  []byte `json:"signature"`
	}

	AuthResponse struct {
		Type    string `json:"type"`
		Success bool   `json:"success"`
		Message string `json:"message"`
	}

	// MessageFrame is a client-originated message. The payload is an
	// opaque blob encrypted end-to-end for the recipient.
	MessageFrame struct {
		Type             string `json:"type"`
		RecipientID      string `json:"recipientId"`
		EncryptedPayload []byte `json:"encryptedPayload"`
	}

	// ChatFrame is the server-wrapped form pushed to the recipient.
	ChatFrame struct {
		Type            string `json:"type"`
		SenderID        string `json:"senderId"`
		SenderName      string `json:"senderName,omitempty"`
		RecipientID     string `json:"recipientId"`
		Text            []byte `json:"text"`
		Timestamp       int64  `json:"timestamp"`
		ServerMessageID string `json:"serverMessageId"`
		SenderPublicKey []byte `json:"senderPublicKey,omitempty"`
	}

	PeerKeyFrame struct {
		Type      string `json:"type"`
		UserID    string `json:"userId"`
		PublicKey []byte `json:"publicKey"`
	}

	FileNoticeFrame struct {
		Type        string `json:"type"`
		SenderID    string `json:"senderId"`
		RecipientID string `json:"recipientId"`
		FileID      string `json:"fileId"`
		FileName    string `json:"fileName"`
		FileSize    int64  `json:"fileSize"`
	}

	StatusFrame struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
		Online bool   `json:"online"`
	}

	ReadReceiptFrame struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
		SenderID  string `json:"senderId"`
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}

	ErrorFrame struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)
