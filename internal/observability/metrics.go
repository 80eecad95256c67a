// Package observability holds the Prometheus metrics and the alerting hook
// used across waroute.
package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waroute", Name: "messages_total", Help: "Inbound messages by kind"},
		[]string{"kind"},
	)
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waroute", Name: "searches_total", Help: "Nearby searches by mode"},
		[]string{"mode"},
	)
	SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "waroute", Name: "search_latency_seconds", Help: "Nearby search latency seconds"},
	)
	MatchesReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "waroute",
			Name:      "matches_returned",
			Help:      "Result count per nearby search",
			Buckets:   []float64{0, 1, 2, 3, 5, 9},
		},
	)
	HandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waroute", Name: "handler_errors_total", Help: "Handler failures by flow"},
		[]string{"flow"},
	)
	AgentHandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waroute", Name: "agent_handoffs_total", Help: "Advisory agent hand-offs by outcome"},
		[]string{"outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waroute", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
)

// Alerter is the hook notified on handler failures, after the user already
// got the apology message.
type Alerter interface {
	Alert(ctx context.Context, event string, attrs map[string]any)
}

// LogAlerter emits alerts as error-level structured logs and bumps the
// error counter. Deployments that page on logs need nothing else.
type LogAlerter struct{}

// Alert logs the event with its attributes.
func (LogAlerter) Alert(ctx context.Context, event string, attrs map[string]any) {
	args := make([]any, 0, len(attrs)*2+2)
	args = append(args, "event", event)
	for k, v := range attrs {
		args = append(args, k, v)
	}
	slog.Error("Alert raised", args...)
}
