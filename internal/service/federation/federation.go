package federation

import (
	"context"
	"fmt"
	"strings"
)

type (
	// Transport is the external federation hand-off, operating under a
	// trust agreement established elsewhere.
	Transport interface {
		Deliver(ctx context.Context, senderID, recipientID string, payload []byte) error
	}

	// Bridge routes messages for recipients on foreign trust domains.
	// It holds no state of its own.
	Bridge struct {
		transport Transport
	}
)

func NewBridge(transport Transport) *Bridge {
	return &Bridge{transport: transport}
}

// IsFederated reports whether the recipient id names a foreign domain:
// an '@' somewhere strictly inside the string.
func IsFederated(recipientID string) bool {
	i := strings.Index(recipientID, "@")
	return i > 0 && i < len(recipientID)-1
}

func (b *Bridge) SendFederatedMessage(ctx context.Context, senderID, recipientID string, payload []byte) error {
	if b.transport == nil {
		return fmt.Errorf("no federation transport configured")
	}

	if err := b.transport.Deliver(ctx, senderID, recipientID, payload); err != nil {
		return fmt.Errorf("federated delivery to %s failed: %w", recipientID, err)
	}
	return nil
}
