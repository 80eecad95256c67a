package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/motolink/waroute/internal/models"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = fmt.Errorf("messaging service stopped")

// twilioSender is the narrow Twilio surface used by the service. The real
// client and the test fake both satisfy it.
type twilioSender interface {
	SendText(ctx context.Context, to string, body string) error
}

// twilioClient wraps the Twilio REST client for WhatsApp sends.
type twilioClient struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

func (c *twilioClient) SendText(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// TwilioService implements Service on the Twilio API. Twilio's WhatsApp Go
// SDK has no interactive lists or buttons, so both are rendered as numbered
// text menus; the last menu per recipient is remembered so a numeric reply
// resolves back to the row id.
type TwilioService struct {
	sender   twilioSender
	messages chan models.IncomingMessage
	done     chan struct{}

	mu           sync.RWMutex
	stopped      bool
	pendingMenus map[string]map[string]string // recipient -> number -> row id
}

// NewTwilioService creates a TwilioService backed by the real Twilio REST
// client.
func NewTwilioService(accountSID, authToken, fromWhats string) (*TwilioService, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if fromWhats == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioService(&twilioClient{client: client, fromWhats: fromWhats}), nil
}

func newTwilioService(sender twilioSender) *TwilioService {
	return &TwilioService{
		sender:       sender,
		messages:     make(chan models.IncomingMessage, DefaultChannelBufferSize),
		done:         make(chan struct{}),
		pendingMenus: make(map[string]map[string]string),
	}
}

// ValidateAndCanonicalizeRecipient reduces the recipient to digits and
// rejects implausible lengths.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits := CanonicalizePhone(recipient)
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("invalid recipient %q", recipient)
	}
	return digits, nil
}

// SendText sends a plain text message and clears any pending menu for the
// recipient.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	s.setPendingMenu(to, nil)
	return s.sender.SendText(ctx, to, body)
}

// SendList renders the list as a numbered text menu.
func (s *TwilioService) SendList(ctx context.Context, to string, list models.ListMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	body := list.Body
	if list.Title != "" {
		body = list.Title + "\n" + body
	}
	rendered, index := RenderNumberedMenu(body, list.Rows)
	if err := s.sender.SendText(ctx, to, rendered); err != nil {
		return err
	}
	s.setPendingMenu(to, index)
	return nil
}

// SendButtons renders the buttons as a numbered text menu.
func (s *TwilioService) SendButtons(ctx context.Context, to string, buttons models.ButtonsMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	rendered, index := RenderNumberedMenu(buttons.Body, buttonsAsRows(buttons.Buttons))
	if err := s.sender.SendText(ctx, to, rendered); err != nil {
		return err
	}
	s.setPendingMenu(to, index)
	return nil
}

// Start is a no-op; inbound traffic arrives through the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
	}()
	return nil
}

// Messages returns the channel of normalized incoming events.
func (s *TwilioService) Messages() <-chan models.IncomingMessage {
	return s.messages
}

// WebhookHandler handles inbound Twilio webhook requests. Location shares
// arrive as Latitude/Longitude form fields; numeric replies to a pending
// menu are resolved to list selections.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := CanonicalizePhone(r.FormValue("From"))
	if from == "" {
		slog.Warn("Twilio webhook missing sender")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.IncomingMessage{
		From:      from,
		Kind:      models.MessageUnrecognized,
		Timestamp: time.Now().Unix(),
	}

	latStr, lngStr := r.FormValue("Latitude"), r.FormValue("Longitude")
	body := strings.TrimSpace(r.FormValue("Body"))
	switch {
	case latStr != "" && lngStr != "":
		lat, errLat := strconv.ParseFloat(latStr, 64)
		lng, errLng := strconv.ParseFloat(lngStr, 64)
		if errLat == nil && errLng == nil {
			msg.Kind = models.MessageLocation
			msg.Latitude = lat
			msg.Longitude = lng
		}
	case body != "":
		if rowID, ok := s.resolveMenuReply(from, body); ok {
			msg.Kind = models.MessageListReply
			msg.SelectionID = rowID
		} else {
			msg.Kind = models.MessageText
			msg.Text = body
		}
	}

	s.safeEmit(msg)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) resolveMenuReply(from, body string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	menu, ok := s.pendingMenus[from]
	if !ok {
		return "", false
	}
	rowID, ok := menu[strings.TrimSpace(body)]
	return rowID, ok
}

func (s *TwilioService) setPendingMenu(to string, index map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == nil {
		delete(s.pendingMenus, to)
		return
	}
	s.pendingMenus[to] = index
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *TwilioService) safeEmit(msg models.IncomingMessage) {
	if s.isStopped() {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From, "kind", msg.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService message channel blocked, dropping message", "from", msg.From)
	}
}
