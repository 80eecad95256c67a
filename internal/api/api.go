// Package api exposes the HTTP surface: the WhatsApp Cloud API webhook with
// its verification handshake, the Twilio webhook, health and metrics.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/motolink/waroute/internal/messaging"
	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/observability"
)

// MaxWebhookBodyBytes bounds the accepted webhook payload size.
const MaxWebhookBodyBytes = 1 << 20

// Server wires the HTTP routes over the active messaging channel.
type Server struct {
	router      *mux.Router
	cloud       *messaging.CloudService
	twilio      *messaging.TwilioService
	verifyToken string
}

// Option configures a Server.
type Option func(*Server)

// WithCloudWebhook mounts the Cloud API webhook endpoints.
func WithCloudWebhook(svc *messaging.CloudService, verifyToken string) Option {
	return func(s *Server) {
		s.cloud = svc
		s.verifyToken = verifyToken
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook endpoint.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(s *Server) {
		s.twilio = svc
	}
}

// NewServer creates the HTTP server with the configured routes mounted.
func NewServer(opts ...Option) *Server {
	s := &Server{router: mux.NewRouter()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.instrument)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.cloud != nil {
		s.router.HandleFunc("/webhook", s.handleVerify).Methods(http.MethodGet)
		s.router.HandleFunc("/webhook", s.handleCloudWebhook).Methods(http.MethodPost)
	}
	if s.twilio != nil {
		s.router.HandleFunc("/webhook/twilio", s.twilio.WebhookHandler).Methods(http.MethodPost)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// handleVerify answers the Cloud API subscription handshake: echo the
// challenge when the verify token matches.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.verifyToken {
		slog.Warn("Webhook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	io.WriteString(w, q.Get("hub.challenge"))
}

// handleCloudWebhook parses the webhook envelope and enqueues every message
// for dispatch. Always answers 200 so the channel does not retry payloads we
// cannot use.
func (s *Server) handleCloudWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBodyBytes))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Discarding undecodable webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	count := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, raw := range change.Value.Messages {
				s.cloud.Enqueue(raw)
				count++
			}
		}
	}
	slog.Debug("Webhook processed", "messages", count)
	w.WriteHeader(http.StatusOK)
}

// instrument records request counts per method, path template and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		slog.Debug("HTTP request", "method", r.Method, "path", path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
