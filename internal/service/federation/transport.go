package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type (
	// HTTPTransport hands messages to the remote server's relay inbox.
	// The trust agreement behind it is managed elsewhere; this only
	// speaks the hand-off.
	HTTPTransport struct {
		client *http.Client
	}

	handOff struct {
		SenderID    string `json:"senderId"`
		RecipientID string `json:"recipientId"`
		Payload     []byte `json:"payload"`
	}
)

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, senderID, recipientID string, payload []byte) error {
	i := strings.LastIndex(recipientID, "@")
	if i <= 0 || i >= len(recipientID)-1 {
		return fmt.Errorf("recipient %q has no domain", recipientID)
	}
	domain := recipientID[i+1:]

	body, err := json.Marshal(&handOff{SenderID: senderID, RecipientID: recipientID, Payload: payload})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://%s/federation/relay", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned %d", resp.StatusCode)
	}
	return nil
}
