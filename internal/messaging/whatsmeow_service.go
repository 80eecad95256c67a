package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/whatsapp"
)

// WhatsmeowService implements Service on the Whatsmeow-based whatsapp
// client. Outbound lists and buttons are rendered as numbered text menus;
// inbound native list and button replies are still decoded when they arrive.
type WhatsmeowService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // nil when constructed with a mock sender
	messages chan models.IncomingMessage
	done     chan struct{}

	mu           sync.RWMutex
	pendingMenus map[string]map[string]string
}

// NewWhatsmeowService creates a WhatsmeowService wrapping the given sender.
func NewWhatsmeowService(client whatsapp.Sender) *WhatsmeowService {
	service := &WhatsmeowService{
		client:       client,
		messages:     make(chan models.IncomingMessage, DefaultChannelBufferSize),
		done:         make(chan struct{}),
		pendingMenus: make(map[string]map[string]string),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsmeowService created with full client for event handling")
	} else {
		slog.Debug("WhatsmeowService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces the recipient to digits and
// rejects implausible lengths.
func (s *WhatsmeowService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits := CanonicalizePhone(recipient)
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("invalid recipient %q", recipient)
	}
	return digits, nil
}

// SendText sends a plain text message and clears any pending menu.
func (s *WhatsmeowService) SendText(ctx context.Context, to string, body string) error {
	s.setPendingMenu(to, nil)
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsmeowService SendText error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendList renders the list as a numbered text menu.
func (s *WhatsmeowService) SendList(ctx context.Context, to string, list models.ListMessage) error {
	body := list.Body
	if list.Title != "" {
		body = list.Title + "\n" + body
	}
	rendered, index := RenderNumberedMenu(body, list.Rows)
	if err := s.client.SendMessage(ctx, to, rendered); err != nil {
		return err
	}
	s.setPendingMenu(to, index)
	return nil
}

// SendButtons renders the buttons as a numbered text menu.
func (s *WhatsmeowService) SendButtons(ctx context.Context, to string, buttons models.ButtonsMessage) error {
	rendered, index := RenderNumberedMenu(buttons.Body, buttonsAsRows(buttons.Buttons))
	if err := s.client.SendMessage(ctx, to, rendered); err != nil {
		return err
	}
	s.setPendingMenu(to, index)
	return nil
}

// Start begins background event handling when a full client is available.
func (s *WhatsmeowService) Start(ctx context.Context) error {
	slog.Debug("WhatsmeowService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
	} else {
		slog.Debug("WhatsmeowService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsmeowService) Stop() error {
	slog.Info("WhatsmeowService Stop invoked")
	close(s.done)
	close(s.messages)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}

// Messages returns the channel of normalized incoming events.
func (s *WhatsmeowService) Messages() <-chan models.IncomingMessage {
	return s.messages
}

// handleEvents registers the whatsmeow event handler and runs until the
// context is cancelled.
func (s *WhatsmeowService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsmeowService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})
	slog.Debug("WhatsmeowService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsmeowService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts one whatsmeow message event into the
// normalized shape.
func (s *WhatsmeowService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	from := CanonicalizePhone(evt.Info.Sender.User)
	if from == "" {
		return
	}

	msg := models.IncomingMessage{
		From:      from,
		Kind:      models.MessageUnrecognized,
		Timestamp: evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID() != "":
		msg.Kind = models.MessageListReply
		msg.SelectionID = evt.Message.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()

	case evt.Message.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		msg.Kind = models.MessageButtonReply
		msg.SelectionID = evt.Message.GetButtonsResponseMessage().GetSelectedButtonID()

	case evt.Message.GetLocationMessage() != nil:
		loc := evt.Message.GetLocationMessage()
		msg.Kind = models.MessageLocation
		msg.Latitude = loc.GetDegreesLatitude()
		msg.Longitude = loc.GetDegreesLongitude()

	case evt.Message.GetImageMessage() != nil:
		msg.Kind = models.MessageMedia
		msg.MediaType = "image"

	case evt.Message.GetDocumentMessage() != nil:
		msg.Kind = models.MessageMedia
		msg.MediaType = "document"

	default:
		text := evt.Message.GetConversation()
		if text == "" {
			text = evt.Message.GetExtendedTextMessage().GetText()
		}
		text = strings.TrimSpace(text)
		if text == "" {
			slog.Debug("WhatsmeowService ignoring unhandled message", "from", from)
			return
		}
		if rowID, ok := s.resolveMenuReply(from, text); ok {
			msg.Kind = models.MessageListReply
			msg.SelectionID = rowID
		} else {
			msg.Kind = models.MessageText
			msg.Text = text
		}
	}

	select {
	case s.messages <- msg:
		slog.Debug("WhatsmeowService incoming message forwarded", "from", msg.From, "kind", msg.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsmeowService message channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsmeowService) resolveMenuReply(from, body string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	menu, ok := s.pendingMenus[from]
	if !ok {
		return "", false
	}
	rowID, ok := menu[strings.TrimSpace(body)]
	return rowID, ok
}

func (s *WhatsmeowService) setPendingMenu(to string, index map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == nil {
		delete(s.pendingMenus, to)
		return
	}
	s.pendingMenus[to] = index
}
