package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/motolink/waroute/internal/messaging"
	"github.com/motolink/waroute/internal/models"
)

func newCloudServer(t *testing.T) (*Server, *messaging.CloudService) {
	t.Helper()
	svc := messaging.NewCloudService("token", "12345")
	return NewServer(WithCloudWebhook(svc, "secret-verify")), svc
}

func TestHealthz(t *testing.T) {
	srv, _ := newCloudServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestVerifyHandshake(t *testing.T) {
	srv, _ := newCloudServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=secret-verify&hub.challenge=42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "42" {
		t.Errorf("expected challenge echoed, got %q", body)
	}
}

func TestVerifyHandshakeRejectsBadToken(t *testing.T) {
	srv, _ := newCloudServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestCloudWebhookEnqueuesMessages(t *testing.T) {
	srv, svc := newCloudServer(t)

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"id": "e1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"messages": [{"from": "+250 788 001 122", "id": "m1", "type": "text", "text": {"body": "drivers"}}]
		}}]}]
	}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-svc.Messages():
		if msg.Kind != models.MessageText || msg.Text != "drivers" {
			t.Errorf("unexpected message %+v", msg)
		}
		if msg.From != "250788001122" {
			t.Errorf("expected canonical sender, got %q", msg.From)
		}
	default:
		t.Fatal("expected an enqueued message")
	}
}

func TestCloudWebhookAcceptsGarbage(t *testing.T) {
	srv, svc := newCloudServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not json")))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for undecodable payload, got %d", rec.Code)
	}
	select {
	case msg := <-svc.Messages():
		t.Errorf("expected no message, got %+v", msg)
	default:
	}
}
