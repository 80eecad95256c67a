package router

import (
	"context"
	"testing"
	"time"

	"github.com/motolink/waroute/internal/config"
	"github.com/motolink/waroute/internal/favorites"
	"github.com/motolink/waroute/internal/flow"
	"github.com/motolink/waroute/internal/intent"
	"github.com/motolink/waroute/internal/match"
	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/store"
)

const testUser = "250788001122"

type recordingMessenger struct {
	texts   []string
	lists   []models.ListMessage
	buttons []models.ButtonsMessage

	panicOnList bool
}

func (m *recordingMessenger) ValidateAndCanonicalizeRecipient(r string) (string, error) {
	return r, nil
}

func (m *recordingMessenger) SendText(ctx context.Context, to, body string) error {
	m.texts = append(m.texts, body)
	return nil
}

func (m *recordingMessenger) SendList(ctx context.Context, to string, list models.ListMessage) error {
	if m.panicOnList {
		panic("messenger exploded")
	}
	m.lists = append(m.lists, list)
	return nil
}

func (m *recordingMessenger) SendButtons(ctx context.Context, to string, b models.ButtonsMessage) error {
	m.buttons = append(m.buttons, b)
	return nil
}

func (m *recordingMessenger) Start(ctx context.Context) error         { return nil }
func (m *recordingMessenger) Stop() error                             { return nil }
func (m *recordingMessenger) Messages() <-chan models.IncomingMessage { return nil }

type scriptedQueries struct {
	results []models.MatchResult
	calls   int
}

func (q *scriptedQueries) MatchDrivers(ctx context.Context, recordID string, p match.Params) ([]models.MatchResult, error) {
	q.calls++
	return q.results, nil
}

func (q *scriptedQueries) MatchPassengers(ctx context.Context, recordID string, p match.Params) ([]models.MatchResult, error) {
	q.calls++
	return q.results, nil
}

type routerRig struct {
	router  *Router
	store   *store.InMemoryStore
	msgr    *recordingMessenger
	queries *scriptedQueries
}

func newRig(t *testing.T, opts ...Option) *routerRig {
	t.Helper()
	st := store.NewInMemoryStore()
	msgr := &recordingMessenger{}
	queries := &scriptedQueries{}
	states := flow.NewStateManager(st)
	engine := flow.NewEngine(flow.Deps{
		States:  states,
		Store:   st,
		Msgr:    msgr,
		Queries: queries,
		Favs:    favorites.NewService(st),
		Cache:   intent.NewMemoryCache(30 * time.Minute),
		Policy:  config.PolicyDirect,
	})
	return &routerRig{
		router:  NewRouter(engine, states, msgr, opts...),
		store:   st,
		msgr:    msgr,
		queries: queries,
	}
}

func text(body string) models.IncomingMessage {
	return models.IncomingMessage{From: testUser, Kind: models.MessageText, Text: body}
}

func selection(id string) models.IncomingMessage {
	return models.IncomingMessage{From: testUser, Kind: models.MessageListReply, SelectionID: id}
}

func location(lat, lng float64) models.IncomingMessage {
	return models.IncomingMessage{From: testUser, Kind: models.MessageLocation, Latitude: lat, Longitude: lng}
}

func TestUnrecognizedTextFallsBackToHomeMenu(t *testing.T) {
	r := newRig(t)
	if err := r.router.Dispatch(context.Background(), text("what is this")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(r.msgr.lists) != 1 {
		t.Fatalf("expected one home menu list, got %d", len(r.msgr.lists))
	}
	if r.msgr.lists[0].Rows[0].ID != flow.RowFindDrivers {
		t.Errorf("expected home menu, got rows %+v", r.msgr.lists[0].Rows)
	}
}

func TestTextCommandStartsDrivers(t *testing.T) {
	r := newRig(t)
	if err := r.router.Dispatch(context.Background(), text("drivers")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	st, err := r.store.GetChatState(testUser)
	if err != nil || st == nil {
		t.Fatalf("expected chat state, got %v, %v", st, err)
	}
	if st.Key != models.FlowNearbySelectVehicle {
		t.Errorf("expected vehicle selection, got %q", st.Key)
	}
}

func TestHomeSelectionClearsState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	if err := r.router.Dispatch(ctx, text("drivers")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := r.router.Dispatch(ctx, selection(flow.RowHomeMenu)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	st, _ := r.store.GetChatState(testUser)
	if st != nil {
		t.Errorf("expected cleared state, got %+v", st)
	}
}

func TestFullDriverSearchConversation(t *testing.T) {
	d := 0.6
	r := newRig(t)
	r.queries.results = []models.MatchResult{
		{TripID: "t1", Contact: "250788000001", RefCode: "AAA", DistanceKm: &d},
	}
	ctx := context.Background()

	steps := []models.IncomingMessage{
		selection(flow.RowFindDrivers),
		selection("veh_moto"),
		location(-1.95, 30.06),
		selection(flow.RowSkipDropoff),
	}
	for i, msg := range steps {
		if err := r.router.Dispatch(ctx, msg); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	st, _ := r.store.GetChatState(testUser)
	if st == nil || st.Key != models.FlowNearbyResults {
		t.Fatalf("expected results state, got %+v", st)
	}
	if r.queries.calls != 1 {
		t.Errorf("expected one ranking query, got %d", r.queries.calls)
	}

	// Selecting the result sends the chat link and ends the flow.
	if err := r.router.Dispatch(ctx, selection("MTCH::t1")); err != nil {
		t.Fatalf("result selection failed: %v", err)
	}
	if st, _ := r.store.GetChatState(testUser); st != nil {
		t.Errorf("expected cleared state after selection, got %+v", st)
	}
}

func TestStaleSelectionFallsBack(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	if err := r.router.Dispatch(ctx, text("drivers")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	// A MTCH:: id is meaningless while selecting a vehicle.
	if err := r.router.Dispatch(ctx, selection("MTCH::gone")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	st, _ := r.store.GetChatState(testUser)
	if st != nil {
		t.Errorf("expected fallback to clear state, got %+v", st)
	}
	last := r.msgr.lists[len(r.msgr.lists)-1]
	if last.Rows[0].ID != flow.RowFindDrivers {
		t.Errorf("expected home menu after fallback, got %+v", last.Rows)
	}
}

func TestMediaGetsPoliteReply(t *testing.T) {
	r := newRig(t)
	msg := models.IncomingMessage{From: testUser, Kind: models.MessageMedia, MediaType: "image", MediaID: "m1"}
	if err := r.router.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(r.msgr.texts) != 1 {
		t.Errorf("expected one text reply, got %d", len(r.msgr.texts))
	}
}

func TestBlocklistDropsSilently(t *testing.T) {
	r := newRig(t, WithBlocklist([]string{testUser}))
	if err := r.router.Dispatch(context.Background(), text("drivers")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(r.msgr.lists)+len(r.msgr.texts)+len(r.msgr.buttons) != 0 {
		t.Error("expected no outbound traffic for blocked sender")
	}
}

func TestRateLimitDropsBurst(t *testing.T) {
	r := newRig(t, WithRateLimit(2, time.Minute))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.router.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.router.Dispatch(ctx, text("menu")); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}
	if len(r.msgr.lists) != 2 {
		t.Errorf("expected third message dropped, got %d menus", len(r.msgr.lists))
	}

	// Tokens refill with time.
	now = now.Add(2 * time.Minute)
	if err := r.router.Dispatch(ctx, text("menu")); err != nil {
		t.Fatalf("Dispatch after refill failed: %v", err)
	}
	if len(r.msgr.lists) != 3 {
		t.Errorf("expected refilled sender served, got %d menus", len(r.msgr.lists))
	}
}

func TestPanicIsContained(t *testing.T) {
	r := newRig(t)
	r.msgr.panicOnList = true
	err := r.router.Dispatch(context.Background(), text("hi"))
	if err == nil {
		t.Fatal("expected error from contained panic")
	}
}
