package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/motolink/waroute/internal/models"
)

// Constants for CloudService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the incoming message channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// DefaultHTTPTimeout bounds outbound Cloud API calls
	DefaultHTTPTimeout = 15 * time.Second

	defaultGraphBaseURL = "https://graph.facebook.com/v18.0"
)

// CloudService implements Service against the WhatsApp Cloud API. Outbound
// messages are HTTP POSTs to the Graph API; inbound traffic arrives through
// the webhook handler, which hands raw messages to Enqueue.
type CloudService struct {
	baseURL       string
	token         string
	phoneNumberID string
	httpClient    *http.Client
	messages      chan models.IncomingMessage
}

// CloudOption configures a CloudService.
type CloudOption func(*CloudService)

// WithGraphBaseURL overrides the Graph API base URL. Used in tests.
func WithGraphBaseURL(url string) CloudOption {
	return func(s *CloudService) { s.baseURL = url }
}

// NewCloudService creates a CloudService for the given access token and
// phone number id.
func NewCloudService(token, phoneNumberID string, opts ...CloudOption) *CloudService {
	s := &CloudService{
		baseURL:       defaultGraphBaseURL,
		token:         token,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		messages:      make(chan models.IncomingMessage, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces the recipient to digits and
// rejects implausible lengths.
func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits := CanonicalizePhone(recipient)
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("invalid recipient %q", recipient)
	}
	return digits, nil
}

// SendText sends a plain text message.
func (s *CloudService) SendText(ctx context.Context, to string, body string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	return s.post(ctx, to, payload)
}

// SendList sends a native interactive list.
func (s *CloudService) SendList(ctx context.Context, to string, list models.ListMessage) error {
	rows := make([]map[string]any, 0, len(list.Rows))
	for _, row := range list.Rows {
		r := map[string]any{"id": row.ID, "title": row.Title}
		if row.Description != "" {
			r["description"] = row.Description
		}
		rows = append(rows, r)
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "list",
			"header": map[string]any{"type": "text", "text": list.Title},
			"body":   map[string]any{"text": list.Body},
			"action": map[string]any{
				"button": list.ButtonLabel,
				"sections": []map[string]any{
					{"title": list.SectionTitle, "rows": rows},
				},
			},
		},
	}
	return s.post(ctx, to, payload)
}

// SendButtons sends native reply buttons.
func (s *CloudService) SendButtons(ctx context.Context, to string, buttons models.ButtonsMessage) error {
	btns := make([]map[string]any, 0, len(buttons.Buttons))
	for _, btn := range buttons.Buttons {
		btns = append(btns, map[string]any{
			"type":  "reply",
			"reply": map[string]any{"id": btn.ID, "title": btn.Title},
		})
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": buttons.Body},
			"action": map[string]any{"buttons": btns},
		},
	}
	return s.post(ctx, to, payload)
}

// Start is a no-op; inbound traffic arrives through the webhook.
func (s *CloudService) Start(ctx context.Context) error {
	slog.Debug("CloudService Start invoked")
	return nil
}

// Stop closes the message channel.
func (s *CloudService) Stop() error {
	slog.Info("CloudService Stop invoked")
	close(s.messages)
	return nil
}

// Messages returns the channel of normalized incoming events.
func (s *CloudService) Messages() <-chan models.IncomingMessage {
	return s.messages
}

// Enqueue normalizes a raw webhook message and forwards it. Forwarding is
// non-blocking: a full channel drops the message with a warning.
func (s *CloudService) Enqueue(raw models.RawMessage) {
	msg := Normalize(raw)
	if msg.From == "" {
		slog.Warn("CloudService dropping message without sender", "type", raw.Type)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("CloudService message enqueued", "from", msg.From, "kind", msg.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("CloudService message channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *CloudService) post(ctx context.Context, to string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("CloudService send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("CloudService send rejected", "status", resp.StatusCode, "to", to, "body", string(respBody))
		return fmt.Errorf("cloud api returned status %d", resp.StatusCode)
	}
	slog.Debug("CloudService message sent", "to", to)
	return nil
}
