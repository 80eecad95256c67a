// Package messaging defines a pluggable channel abstraction and its
// implementations: the WhatsApp Cloud API, Twilio, and a Whatsmeow-based
// client. All implementations deliver inbound traffic as normalized
// IncomingMessage values on a shared channel.
package messaging

import (
	"context"

	"github.com/motolink/waroute/internal/models"
)

// Service defines a pluggable message delivery abstraction.
// It supports sending text, list and button messages, and provides a channel
// of normalized incoming events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message to a recipient.
	SendText(ctx context.Context, to string, body string) error

	// SendList sends an interactive list message. Channels without native
	// list support render it as a numbered text menu.
	SendList(ctx context.Context, to string, list models.ListMessage) error

	// SendButtons sends a reply-buttons message. Channels without native
	// button support render it as a numbered text menu.
	SendButtons(ctx context.Context, to string, buttons models.ButtonsMessage) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of normalized incoming events.
	Messages() <-chan models.IncomingMessage
}
