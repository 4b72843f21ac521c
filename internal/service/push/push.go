package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type (
	// WebhookSender posts notification events to an external provider
	// endpoint. One attempt per trigger; retrying is not its job.
	WebhookSender struct {
		url    string
		client *http.Client
	}

	event struct {
		UserID     string `json:"userId"`
		SenderName string `json:"senderName,omitempty"`
		Kind       string `json:"kind"`
	}
)

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Notify(ctx context.Context, userID, senderName string) error {
	if s.url == "" {
		return nil
	}

	body, err := json.Marshal(&event{UserID: userID, SenderName: senderName, Kind: "new_message"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
