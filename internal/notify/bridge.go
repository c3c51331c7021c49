package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPBridge delivers chat messages through an external bridge service
// (signal-cli's REST daemon, a telegram relay). The bridge accepts a
// POST /send with the conversation id, the message text, and the
// command choices to offer.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBridge creates a sender for one bridge endpoint.
func NewHTTPBridge(baseURL string) *HTTPBridge {
	return &HTTPBridge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type bridgeSend struct {
	ChatID   string    `json:"chat_id"`
	Text     string    `json:"text"`
	Commands []Command `json:"commands,omitempty"`
}

// SendChat implements ChatSender.
func (b *HTTPBridge) SendChat(ctx context.Context, chatID string, msg Message) error {
	payload, err := json.Marshal(bridgeSend{
		ChatID:   chatID,
		Text:     msg.Text(),
		Commands: msg.Commands(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat bridge send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat bridge send: unexpected status %s", resp.Status)
	}
	return nil
}
