package messaging

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/motolink/waroute/internal/models"
)

func TestNormalizeText(t *testing.T) {
	msg := Normalize(models.RawMessage{
		From:      "+250 788-001-122",
		Type:      "text",
		Timestamp: "1756500000",
		Text:      &models.RawText{Body: "  hello  "},
	})
	if msg.Kind != models.MessageText {
		t.Fatalf("expected text kind, got %q", msg.Kind)
	}
	if msg.From != "250788001122" {
		t.Errorf("expected canonical sender, got %q", msg.From)
	}
	if msg.Text != "hello" {
		t.Errorf("expected trimmed body, got %q", msg.Text)
	}
	if msg.Timestamp != 1756500000 {
		t.Errorf("expected timestamp parsed, got %d", msg.Timestamp)
	}
}

func TestNormalizeListReply(t *testing.T) {
	msg := Normalize(models.RawMessage{
		From: "250788001122",
		Type: "interactive",
		Interactive: &models.RawInteractive{
			Type:      "list_reply",
			ListReply: &models.RawReply{ID: "MTCH::abc"},
		},
	})
	if msg.Kind != models.MessageListReply {
		t.Fatalf("expected list reply, got %q", msg.Kind)
	}
	if msg.SelectionID != "MTCH::abc" {
		t.Errorf("expected selection id preserved, got %q", msg.SelectionID)
	}
}

func TestNormalizeLocationNumericAndString(t *testing.T) {
	cases := []struct {
		name     string
		lat, lng string
	}{
		{"numbers", `-1.9536`, `30.0605`},
		{"strings", `"-1.9536"`, `"30.0605"`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg := Normalize(models.RawMessage{
				From: "250788001122",
				Type: "location",
				Location: &models.RawLocation{
					Latitude:  json.RawMessage(c.lat),
					Longitude: json.RawMessage(c.lng),
				},
			})
			if msg.Kind != models.MessageLocation {
				t.Fatalf("expected location kind, got %q", msg.Kind)
			}
			if msg.Latitude != -1.9536 || msg.Longitude != 30.0605 {
				t.Errorf("coordinates wrong: %f, %f", msg.Latitude, msg.Longitude)
			}
		})
	}
}

func TestNormalizeRejectsNonFiniteLocation(t *testing.T) {
	msg := Normalize(models.RawMessage{
		From: "250788001122",
		Type: "location",
		Location: &models.RawLocation{
			Latitude:  json.RawMessage(`"NaN"`),
			Longitude: json.RawMessage(`30.0`),
		},
	})
	if msg.Kind != models.MessageUnrecognized {
		t.Errorf("expected unrecognized for NaN latitude, got %q", msg.Kind)
	}
}

func TestNormalizeUnknownTypeFallsBack(t *testing.T) {
	msg := Normalize(models.RawMessage{From: "250788001122", Type: "sticker"})
	if msg.Kind != models.MessageUnrecognized {
		t.Errorf("expected unrecognized, got %q", msg.Kind)
	}
	msg = Normalize(models.RawMessage{From: "250788001122", Type: "text"})
	if msg.Kind != models.MessageUnrecognized {
		t.Errorf("expected unrecognized for text without body, got %q", msg.Kind)
	}
}

func TestNormalizeMedia(t *testing.T) {
	msg := Normalize(models.RawMessage{
		From:  "250788001122",
		Type:  "image",
		Image: &models.RawMedia{ID: "media-1", MimeType: "image/jpeg"},
	})
	if msg.Kind != models.MessageMedia {
		t.Fatalf("expected media kind, got %q", msg.Kind)
	}
	if msg.MediaType != "image" || msg.MediaID != "media-1" {
		t.Errorf("media fields wrong: %+v", msg)
	}
}

func TestRenderNumberedMenu(t *testing.T) {
	rows := []models.ListRow{
		{ID: "veh_moto", Title: "Moto taxi"},
		{ID: "veh_cab", Title: "Cab", Description: "4 seats"},
	}
	rendered, index := RenderNumberedMenu("Choose a vehicle", rows)
	if !strings.Contains(rendered, "1. Moto taxi") {
		t.Errorf("menu missing first row: %q", rendered)
	}
	if !strings.Contains(rendered, "2. Cab (4 seats)") {
		t.Errorf("menu missing described row: %q", rendered)
	}
	if index["1"] != "veh_moto" || index["2"] != "veh_cab" {
		t.Errorf("index wrong: %v", index)
	}
}

type fakeTwilioSender struct {
	sent []string
}

func (f *fakeTwilioSender) SendText(ctx context.Context, to string, body string) error {
	f.sent = append(f.sent, body)
	return nil
}

func TestTwilioNumberedMenuRoundTrip(t *testing.T) {
	sender := &fakeTwilioSender{}
	svc := newTwilioService(sender)

	list := models.ListMessage{
		Title: "Nearby drivers",
		Body:  "Pick one",
		Rows: []models.ListRow{
			{ID: "MTCH::t1", Title: "Driver A"},
			{ID: "MTCH::t2", Title: "Driver B"},
		},
		ButtonLabel: "View",
	}
	if err := svc.SendList(context.Background(), "250788001122", list); err != nil {
		t.Fatalf("SendList failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(sender.sent))
	}

	form := url.Values{}
	form.Set("From", "whatsapp:+250788001122")
	form.Set("Body", "2")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-svc.Messages():
		if msg.Kind != models.MessageListReply {
			t.Fatalf("expected list reply, got %q", msg.Kind)
		}
		if msg.SelectionID != "MTCH::t2" {
			t.Errorf("expected MTCH::t2, got %q", msg.SelectionID)
		}
	default:
		t.Fatal("expected message on channel")
	}
}

func TestTwilioWebhookLocation(t *testing.T) {
	svc := newTwilioService(&fakeTwilioSender{})

	form := url.Values{}
	form.Set("From", "whatsapp:+250788001122")
	form.Set("Latitude", "-1.9536")
	form.Set("Longitude", "30.0605")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)

	select {
	case msg := <-svc.Messages():
		if msg.Kind != models.MessageLocation {
			t.Fatalf("expected location, got %q", msg.Kind)
		}
		if msg.Latitude != -1.9536 || msg.Longitude != 30.0605 {
			t.Errorf("coordinates wrong: %f, %f", msg.Latitude, msg.Longitude)
		}
	default:
		t.Fatal("expected message on channel")
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := newTwilioService(&fakeTwilioSender{})

	got, err := svc.ValidateAndCanonicalizeRecipient("whatsapp:+250 788 001 122")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "250788001122" {
		t.Errorf("expected digits only, got %q", got)
	}

	if _, err := svc.ValidateAndCanonicalizeRecipient("123"); err == nil {
		t.Error("expected error for short recipient")
	}
}
