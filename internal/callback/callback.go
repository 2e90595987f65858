// Package callback delivers signed completion notifications to the platform
// when a prompt finishes. Delivery is best effort: a failed callback is logged
// and dropped, never allowed to wedge the queue.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/crypto"
)

const (
	attempts   = 2
	retryDelay = time.Second
)

// Notification is the callback body. Signature covers the JSON encoding of
// the body with the signature field empty.
type Notification struct {
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId"`
	Success   bool            `json:"success"`
	Timestamp int64           `json:"timestamp"`
	Context   json.RawMessage `json:"context,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Notifier posts completion notifications to the configured endpoint.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    zerolog.Logger
}

// NewNotifier creates a notifier. An empty url disables delivery.
func NewNotifier(url, secret string, timeout time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		log:    logger,
	}
}

// Enabled reports whether a callback endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// NotifyCompletion signs and posts one completion notification, retrying once
// on failure. Errors are logged, not returned: the queue has already moved on.
func (n *Notifier) NotifyCompletion(ctx context.Context, sessionID, messageID uuid.UUID, success bool, callbackContext json.RawMessage) {
	if !n.Enabled() {
		return
	}

	body := Notification{
		SessionID: sessionID.String(),
		MessageID: messageID.String(),
		Success:   success,
		Timestamp: time.Now().UnixMilli(),
		Context:   callbackContext,
	}
	unsigned, err := json.Marshal(body)
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to marshal callback body")
		return
	}
	body.Signature = crypto.SignCallback(unsigned, n.secret)
	payload, err := json.Marshal(body)
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to marshal signed callback body")
		return
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				n.log.Warn().Err(ctx.Err()).
					Str("message_id", messageID.String()).
					Msg("Completion callback abandoned")
				return
			}
		}
		if err := n.post(ctx, payload); err != nil {
			lastErr = err
			continue
		}
		return
	}
	n.log.Warn().Err(lastErr).
		Str("message_id", messageID.String()).
		Msg("Completion callback failed after retries")
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
