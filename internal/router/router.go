// Package router dispatches normalized inbound messages to the flow handlers.
// Dispatch is a chain: guards, then a typed lookup on (message kind, flow
// key), then a fallback that re-anchors the user at the home menu.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/motolink/waroute/internal/flow"
	"github.com/motolink/waroute/internal/messaging"
	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/observability"
)

// Rate limiting defaults: a sender gets a burst of DefaultRateBurst messages
// refilled at DefaultRateWindow per message.
const (
	DefaultRateBurst  = 20
	DefaultRateWindow = 3 * time.Second
)

// Router owns the inbound dispatch chain.
type Router struct {
	engine *flow.Engine
	states *flow.StateManager
	msgr   messaging.Service

	mu      sync.Mutex
	buckets map[string]*bucket
	blocked map[string]struct{}

	burst  int
	refill time.Duration
	now    func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithRateLimit overrides the per-sender burst and refill interval.
func WithRateLimit(burst int, refill time.Duration) Option {
	return func(r *Router) {
		r.burst = burst
		r.refill = refill
	}
}

// WithBlocklist drops all traffic from the given canonical sender ids.
func WithBlocklist(senders []string) Option {
	return func(r *Router) {
		for _, s := range senders {
			r.blocked[s] = struct{}{}
		}
	}
}

// NewRouter creates a router over the flow engine.
func NewRouter(engine *flow.Engine, states *flow.StateManager, msgr messaging.Service, opts ...Option) *Router {
	r := &Router{
		engine:  engine,
		states:  states,
		msgr:    msgr,
		buckets: make(map[string]*bucket),
		blocked: make(map[string]struct{}),
		burst:   DefaultRateBurst,
		refill:  DefaultRateWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch routes one inbound message. A panicking handler is contained here
// so one bad message cannot take down the message pump.
func (r *Router) Dispatch(ctx context.Context, msg models.IncomingMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Handler panicked", "profileID", msg.From, "kind", msg.Kind, "panic", rec)
			observability.HandlerErrorsTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()

	observability.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	if r.isBlocked(msg.From) {
		slog.Debug("Dropping message from blocked sender", "profileID", msg.From)
		return nil
	}
	if !r.allow(msg.From) {
		slog.Warn("Rate limit exceeded, dropping message", "profileID", msg.From, "kind", msg.Kind)
		return nil
	}

	st, err := r.states.Get(msg.From)
	if err != nil {
		return fmt.Errorf("failed to load chat state for dispatch: %w", err)
	}

	switch msg.Kind {
	case models.MessageListReply, models.MessageButtonReply:
		return r.dispatchSelection(ctx, msg.From, st, msg.SelectionID)
	case models.MessageLocation:
		return r.dispatchLocation(ctx, msg.From, st, models.Coord{Lat: msg.Latitude, Lng: msg.Longitude})
	case models.MessageText:
		return r.dispatchText(ctx, msg.From, st, msg.Text)
	case models.MessageMedia:
		slog.Debug("Ignoring media message", "profileID", msg.From, "mediaType", msg.MediaType)
		return r.msgr.SendText(ctx, msg.From, "I can't read attachments yet. Use the menu below.")
	}
	return r.fallback(ctx, msg.From, "unrecognized message kind")
}

// dispatchSelection resolves a row or button id. Global controls work from
// any state; everything else dispatches on the current flow key.
func (r *Router) dispatchSelection(ctx context.Context, from string, st *models.ChatState, selectionID string) error {
	switch selectionID {
	case flow.RowHomeMenu:
		if err := r.states.Clear(from); err != nil {
			return err
		}
		return r.engine.SendHomeMenu(ctx, from)
	case flow.RowFindDrivers:
		return r.engine.StartDrivers(ctx, from)
	case flow.RowFindPassengers:
		return r.engine.StartPassengers(ctx, from)
	}

	if st == nil {
		return r.fallback(ctx, from, "selection without state")
	}

	var (
		handled bool
		err     error
	)
	switch st.Key {
	case models.FlowNearbySelectVehicle:
		handled, err = r.engine.HandleVehicleSelection(ctx, from, st, selectionID)
	case models.FlowNearbyAwaitingPickup, models.FlowNearbyAwaitingDropoff:
		switch selectionID {
		case flow.RowChangeVehicle:
			handled, err = r.engine.HandleChangeVehicle(ctx, from, st)
		case flow.RowSavedLocations:
			handled, err = r.engine.StartSavedPicker(ctx, from, st)
		case flow.RowSkipDropoff:
			if st.Key == models.FlowNearbyAwaitingDropoff {
				handled, err = r.engine.HandleSkipDropoff(ctx, from, st)
			}
		}
	case models.FlowNearbyResults:
		handled, err = r.engine.HandleResultSelection(ctx, from, st, selectionID)
	case models.FlowSavedLocationPicker:
		handled, err = r.engine.HandleSavedPickerSelection(ctx, from, st, selectionID)
	case models.FlowAgentSelection:
		handled, err = r.engine.HandleAgentSelection(ctx, from, st, selectionID)
	}
	if err != nil {
		return err
	}
	if !handled {
		return r.fallback(ctx, from, "unhandled selection")
	}
	return nil
}

func (r *Router) dispatchLocation(ctx context.Context, from string, st *models.ChatState, coord models.Coord) error {
	if st == nil {
		return r.fallback(ctx, from, "location without state")
	}
	var (
		handled bool
		err     error
	)
	switch st.Key {
	case models.FlowNearbyAwaitingPickup, models.FlowNearbyAwaitingDropoff:
		handled, err = r.engine.HandleLocation(ctx, from, st, coord)
	case models.FlowSavedLocationPicker:
		handled, err = r.engine.HandleSavedPickerLocation(ctx, from, st, coord)
	}
	if err != nil {
		return err
	}
	if !handled {
		return r.fallback(ctx, from, "unhandled location")
	}
	return nil
}

// dispatchText maps free-text commands. Anything unrecognized lands at the
// home menu, which is the only discoverable entry point on WhatsApp.
func (r *Router) dispatchText(ctx context.Context, from string, st *models.ChatState, text string) error {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "drivers", "find drivers":
		return r.engine.StartDrivers(ctx, from)
	case "passengers", "find passengers":
		return r.engine.StartPassengers(ctx, from)
	case "hi", "hello", "menu", "home", "start", "cancel":
		if err := r.states.Clear(from); err != nil {
			return err
		}
		return r.engine.SendHomeMenu(ctx, from)
	}
	return r.fallback(ctx, from, "unrecognized text")
}

// fallback re-anchors the user at the home menu.
func (r *Router) fallback(ctx context.Context, from, reason string) error {
	slog.Debug("Dispatch fell through to home menu", "profileID", from, "reason", reason)
	if err := r.states.Clear(from); err != nil {
		return err
	}
	return r.engine.SendHomeMenu(ctx, from)
}

func (r *Router) isBlocked(from string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocked[from]
	return ok
}

// bucket is a per-sender token bucket.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// allow refills the sender's bucket by elapsed time and spends one token.
func (r *Router) allow(from string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[from]
	if !ok {
		b = &bucket{tokens: float64(r.burst), lastSeen: now}
		r.buckets[from] = b
	}
	elapsed := now.Sub(b.lastSeen)
	b.tokens += elapsed.Seconds() / r.refill.Seconds()
	if b.tokens > float64(r.burst) {
		b.tokens = float64(r.burst)
	}
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
