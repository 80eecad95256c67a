package flow

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/motolink/waroute/internal/config"
	"github.com/motolink/waroute/internal/favorites"
	"github.com/motolink/waroute/internal/intent"
	"github.com/motolink/waroute/internal/match"
	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/store"
)

const testUser = "250788001122"

// recordingMessenger captures outbound traffic for assertions.
type recordingMessenger struct {
	texts   []string
	lists   []models.ListMessage
	buttons []models.ButtonsMessage
}

func (m *recordingMessenger) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }
func (m *recordingMessenger) SendText(ctx context.Context, to, body string) error {
	m.texts = append(m.texts, body)
	return nil
}
func (m *recordingMessenger) SendList(ctx context.Context, to string, list models.ListMessage) error {
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

func (m *recordingMessenger) lastList(t *testing.T) models.ListMessage {
	t.Helper()
	if len(m.lists) == 0 {
		t.Fatal("expected a list message")
	}
	return m.lists[len(m.lists)-1]
}

func (m *recordingMessenger) lastButtons(t *testing.T) models.ButtonsMessage {
	t.Helper()
	if len(m.buttons) == 0 {
		t.Fatal("expected a buttons message")
	}
	return m.buttons[len(m.buttons)-1]
}

// scriptedQueries returns canned results and records the query it saw.
type scriptedQueries struct {
	results        []models.MatchResult
	err            error
	lastRecordID   string
	lastParams     match.Params
	driverCalls    int
	passengerCalls int
}

func (q *scriptedQueries) MatchDrivers(ctx context.Context, recordID string, p match.Params) ([]models.MatchResult, error) {
	q.driverCalls++
	q.lastRecordID = recordID
	q.lastParams = p
	return q.results, q.err
}

func (q *scriptedQueries) MatchPassengers(ctx context.Context, recordID string, p match.Params) ([]models.MatchResult, error) {
	q.passengerCalls++
	q.lastRecordID = recordID
	q.lastParams = p
	return q.results, q.err
}

// scriptedAgent returns a canned hand-off response.
type scriptedAgent struct {
	resp  models.AgentResponse
	err   error
	calls int
}

func (a *scriptedAgent) Route(ctx context.Context, req models.AgentRequest) (models.AgentResponse, error) {
	a.calls++
	return a.resp, a.err
}

type countingAlerter struct {
	events []string
}

func (a *countingAlerter) Alert(ctx context.Context, event string, attrs map[string]any) {
	a.events = append(a.events, event)
}

type testRig struct {
	engine  *Engine
	store   *store.InMemoryStore
	msgr    *recordingMessenger
	queries *scriptedQueries
	cache   *intent.MemoryCache
	alerter *countingAlerter
}

func newRig(t *testing.T, mods ...func(*Deps)) *testRig {
	t.Helper()
	st := store.NewInMemoryStore()
	msgr := &recordingMessenger{}
	queries := &scriptedQueries{}
	cache := intent.NewMemoryCache(30 * time.Minute)
	alerter := &countingAlerter{}
	deps := Deps{
		States:       NewStateManager(st),
		Store:        st,
		Msgr:         msgr,
		Queries:      queries,
		Favs:         favorites.NewService(st),
		Cache:        cache,
		Alerter:      alerter,
		Policy:       config.PolicyDirect,
		RadiusMeters: 15000,
		MaxResults:   9,
		WindowDays:   30,
	}
	for _, mod := range mods {
		mod(&deps)
	}
	engine := NewEngine(deps)
	return &testRig{engine: engine, store: st, msgr: msgr, queries: queries, cache: cache, alerter: alerter}
}

func agentFirst(client *scriptedAgent) func(*Deps) {
	return func(d *Deps) {
		d.Policy = config.PolicyAgentFirst
		d.Agent = client
	}
}

func (r *testRig) state(t *testing.T) *models.ChatState {
	t.Helper()
	st, err := r.store.GetChatState(testUser)
	if err != nil {
		t.Fatalf("GetChatState failed: %v", err)
	}
	return st
}

func fp(v float64) *float64 { return &v }

func TestStartDriversPromptsVehicle(t *testing.T) {
	r := newRig(t)

	if err := r.engine.StartDrivers(context.Background(), testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	st := r.state(t)
	if st == nil || st.Key != models.FlowNearbySelectVehicle {
		t.Fatalf("expected vehicle selection state, got %+v", st)
	}
	list := r.msgr.lastList(t)
	if len(list.Rows) != len(VehicleCatalog)+1 {
		t.Errorf("expected catalog plus back row, got %d rows", len(list.Rows))
	}
	if list.Rows[0].ID != "veh_moto" {
		t.Errorf("expected veh_moto first, got %q", list.Rows[0].ID)
	}
}

func TestVehicleSelectionMovesToPickup(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.engine.StartDrivers(ctx, testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	handled, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_moto")
	if err != nil || !handled {
		t.Fatalf("HandleVehicleSelection = %v, %v", handled, err)
	}
	st := r.state(t)
	if st.Key != models.FlowNearbyAwaitingPickup {
		t.Fatalf("expected awaiting pickup, got %q", st.Key)
	}
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if ns.Vehicle != "moto" {
		t.Errorf("expected vehicle moto, got %q", ns.Vehicle)
	}
}

func TestVehicleSelectionIgnoresForeignRow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.engine.StartDrivers(ctx, testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	handled, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "FAV::xyz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Error("expected foreign row not handled")
	}
}

func TestPassengerVehicleIsRemembered(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.engine.StartPassengers(ctx, testUser); err != nil {
		t.Fatalf("StartPassengers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_cab"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	vt, _ := r.store.GetStoredVehicleType(testUser)
	if vt != "cab" {
		t.Errorf("expected stored vehicle cab, got %q", vt)
	}

	// A later search skips the vehicle prompt.
	if err := r.store.ClearChatState(testUser); err != nil {
		t.Fatal(err)
	}
	if err := r.engine.StartPassengers(ctx, testUser); err != nil {
		t.Fatalf("second StartPassengers failed: %v", err)
	}
	st := r.state(t)
	if st.Key != models.FlowNearbyAwaitingPickup {
		t.Errorf("expected awaiting pickup via stored vehicle, got %q", st.Key)
	}
}

func driveToResults(t *testing.T, r *testRig) {
	t.Helper()
	ctx := context.Background()
	if err := r.engine.StartDrivers(ctx, testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_moto"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	handled, err := r.engine.HandleLocation(ctx, testUser, r.state(t), models.Coord{Lat: -1.95, Lng: 30.06})
	if err != nil || !handled {
		t.Fatalf("HandleLocation = %v, %v", handled, err)
	}
	// Drivers mode asks for a dropoff; skip it to search.
	handled, err = r.engine.HandleSkipDropoff(ctx, testUser, r.state(t))
	if err != nil || !handled {
		t.Fatalf("HandleSkipDropoff = %v, %v", handled, err)
	}
}

func TestHappyPathOrdersByDistance(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{
		{TripID: "t1", Contact: "250788000001", RefCode: "AAA", DistanceKm: fp(0.4)},
		{TripID: "t2", Contact: "250788000002", RefCode: "BBB", DistanceKm: fp(1.2)},
		{TripID: "t3", Contact: "250788000003", RefCode: "CCC", DistanceKm: fp(0.9)},
	}

	driveToResults(t, r)

	st := r.state(t)
	if st.Key != models.FlowNearbyResults {
		t.Fatalf("expected results state, got %q", st.Key)
	}
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	want := []string{"t1", "t3", "t2"}
	if len(ns.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(ns.Rows))
	}
	for i, id := range want {
		if ns.Rows[i].TripID != id {
			t.Errorf("row %d: expected %s, got %s", i, id, ns.Rows[i].TripID)
		}
	}
	if r.queries.driverCalls != 1 {
		t.Errorf("expected 1 driver query, got %d", r.queries.driverCalls)
	}

	list := r.msgr.lastList(t)
	if !strings.HasPrefix(list.Rows[0].ID, models.RowPrefixMatch+"::") {
		t.Errorf("expected MTCH row id, got %q", list.Rows[0].ID)
	}
	if list.Rows[0].Title != "***0001" {
		t.Errorf("expected masked contact, got %q", list.Rows[0].Title)
	}
	if !strings.Contains(list.Rows[0].Description, "400 m") {
		t.Errorf("expected distance label, got %q", list.Rows[0].Description)
	}
}

func TestDropoffReachesRankingQuery(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}
	ctx := context.Background()

	if err := r.engine.StartDrivers(ctx, testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_moto"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	if _, err := r.engine.HandleLocation(ctx, testUser, r.state(t), models.Coord{Lat: -1.95, Lng: 30.06}); err != nil {
		t.Fatalf("pickup HandleLocation failed: %v", err)
	}
	handled, err := r.engine.HandleLocation(ctx, testUser, r.state(t), models.Coord{Lat: -1.97, Lng: 30.10})
	if err != nil || !handled {
		t.Fatalf("dropoff HandleLocation = %v, %v", handled, err)
	}

	if !r.queries.lastParams.IncludeDropoff {
		t.Error("expected the dropoff preference to reach the ranking query")
	}
	rec, _ := r.store.GetSearchRecord(r.queries.lastRecordID)
	if rec == nil || rec.Dropoff == nil {
		t.Errorf("expected dropoff on the search record, got %+v", rec)
	}
}

func TestSkippedDropoffNotPreferred(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}

	driveToResults(t, r)

	if r.queries.lastParams.IncludeDropoff {
		t.Error("expected no dropoff preference when the dropoff was skipped")
	}
}

func TestAgentFirstRendersOptions(t *testing.T) {
	client := &scriptedAgent{resp: models.AgentResponse{
		Success:   true,
		SessionID: "sess-1",
		Options: []models.AgentOption{
			{ID: "opt1", Title: "Shared moto", Description: "Leaves in 5 minutes"},
			{ID: "opt2", Title: "Private moto"},
		},
	}}
	r := newRig(t, agentFirst(client))

	driveToResults(t, r)

	if client.calls != 1 {
		t.Fatalf("expected one agent call, got %d", client.calls)
	}
	if r.queries.driverCalls != 0 {
		t.Errorf("expected no ranking query while the agent handled the search, got %d", r.queries.driverCalls)
	}
	st := r.state(t)
	if st == nil || st.Key != models.FlowAgentSelection {
		t.Fatalf("expected agent selection state, got %+v", st)
	}
	var as models.AgentSelectionState
	if err := st.DecodeData(&as); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if as.SessionID != "sess-1" {
		t.Errorf("expected stored session id, got %q", as.SessionID)
	}
	list := r.msgr.lastList(t)
	if list.Rows[0].ID != models.RowID(models.RowPrefixAgent, "opt1") {
		t.Errorf("expected AGENT row id, got %q", list.Rows[0].ID)
	}

	// Picking an option acknowledges and ends the flow.
	handled, err := r.engine.HandleAgentSelection(context.Background(), testUser, st, list.Rows[0].ID)
	if err != nil || !handled {
		t.Fatalf("HandleAgentSelection = %v, %v", handled, err)
	}
	if len(r.msgr.texts) == 0 {
		t.Error("expected an acknowledgement text")
	}
	if st := r.state(t); st != nil {
		t.Errorf("expected cleared state after selection, got %+v", st)
	}
}

func TestAgentErrorFallsBackToDirect(t *testing.T) {
	client := &scriptedAgent{err: errors.New("agent unavailable")}
	r := newRig(t, agentFirst(client))
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}

	driveToResults(t, r)

	if client.calls != 1 {
		t.Fatalf("expected one agent call, got %d", client.calls)
	}
	if r.queries.driverCalls != 1 {
		t.Errorf("expected direct matching after agent failure, got %d calls", r.queries.driverCalls)
	}
	if st := r.state(t); st == nil || st.Key != models.FlowNearbyResults {
		t.Errorf("expected results state from the fallback, got %+v", st)
	}
}

func TestAgentNoOptionsFallsBackToDirect(t *testing.T) {
	client := &scriptedAgent{resp: models.AgentResponse{Success: false}}
	r := newRig(t, agentFirst(client))
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}

	driveToResults(t, r)

	if r.queries.driverCalls != 1 {
		t.Errorf("expected direct matching when the agent has no options, got %d calls", r.queries.driverCalls)
	}
}

func TestSearchExpiresRecordOnSuccess(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}

	driveToResults(t, r)

	rec, err := r.store.GetSearchRecord(r.queries.lastRecordID)
	if err != nil || rec == nil {
		t.Fatalf("expected search record, got %v, %v", rec, err)
	}
	if rec.Status != models.SearchStatusExpired {
		t.Errorf("expected record expired, got %q", rec.Status)
	}
	if rec.Role != models.RolePassenger {
		t.Errorf("drivers mode records passenger role, got %q", rec.Role)
	}
}

func TestEmptyResultsClearsState(t *testing.T) {
	r := newRig(t)
	r.queries.results = nil

	driveToResults(t, r)

	if st := r.state(t); st != nil {
		t.Errorf("expected cleared state, got %+v", st)
	}
	btns := r.msgr.lastButtons(t)
	if btns.Body != msgNoMatches {
		t.Errorf("expected no-matches copy, got %q", btns.Body)
	}
}

func TestQueryFailureAlertsAndCleansUp(t *testing.T) {
	r := newRig(t)
	r.queries.err = errors.New("ranking function missing")

	driveToResults(t, r)

	if len(r.alerter.events) != 1 || r.alerter.events[0] != "MATCHES_ERROR" {
		t.Errorf("expected one MATCHES_ERROR alert, got %v", r.alerter.events)
	}
	rec, _ := r.store.GetSearchRecord(r.queries.lastRecordID)
	if rec == nil || rec.Status != models.SearchStatusExpired {
		t.Errorf("expected record expired after failure, got %+v", rec)
	}
	btns := r.msgr.lastButtons(t)
	if btns.Body != msgSearchFailed {
		t.Errorf("expected apology, got %q", btns.Body)
	}
	if st := r.state(t); st != nil {
		t.Errorf("expected cleared state, got %+v", st)
	}
}

func TestStaleResultSelectionNotHandled(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}

	driveToResults(t, r)

	handled, err := r.engine.HandleResultSelection(context.Background(), testUser, r.state(t), "MTCH::other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Error("expected stale selection not handled")
	}
}

func TestResultSelectionSendsChatLink(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", RefCode: "AAA", DistanceKm: fp(0.5)}}

	driveToResults(t, r)

	handled, err := r.engine.HandleResultSelection(context.Background(), testUser, r.state(t), "MTCH::t1")
	if err != nil || !handled {
		t.Fatalf("HandleResultSelection = %v, %v", handled, err)
	}
	btns := r.msgr.lastButtons(t)
	if !strings.Contains(btns.Body, "wa.me/250788000001") {
		t.Errorf("expected chat link, got %q", btns.Body)
	}
	if st := r.state(t); st != nil {
		t.Errorf("expected cleared state after selection, got %+v", st)
	}
}

func TestCachedIntentSkipsPrompts(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}
	ctx := context.Background()

	if err := r.cache.Store(ctx, models.IntentEntry{
		OwnerID: testUser,
		Mode:    models.ModeDrivers,
		Vehicle: "moto",
		Lat:     -1.95,
		Lng:     30.06,
	}); err != nil {
		t.Fatalf("cache Store failed: %v", err)
	}

	if err := r.engine.StartDrivers(ctx, testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	if r.queries.driverCalls != 1 {
		t.Errorf("expected immediate search via cached intent, got %d calls", r.queries.driverCalls)
	}
	if st := r.state(t); st == nil || st.Key != models.FlowNearbyResults {
		t.Errorf("expected results state, got %+v", st)
	}
}

func TestChangeVehicleReturnsToSelector(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.engine.StartPassengers(ctx, testUser); err != nil {
		t.Fatalf("StartPassengers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_cab"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	handled, err := r.engine.HandleChangeVehicle(ctx, testUser, r.state(t))
	if err != nil || !handled {
		t.Fatalf("HandleChangeVehicle = %v, %v", handled, err)
	}
	if st := r.state(t); st.Key != models.FlowNearbySelectVehicle {
		t.Errorf("expected vehicle selection, got %q", st.Key)
	}
}

func TestSavedPickerFeedsLocation(t *testing.T) {
	r := newRig(t)
	r.queries.results = []models.MatchResult{{TripID: "t1", Contact: "250788000001", DistanceKm: fp(0.5)}}
	ctx := context.Background()
	favs := favorites.NewService(r.store)

	created, err := favs.Create(models.Favorite{OwnerID: testUser, Kind: models.FavoriteHome, Label: "Home", Lat: -1.95, Lng: 30.06})
	if err != nil {
		t.Fatalf("Create favorite failed: %v", err)
	}

	if err := r.engine.StartPassengers(ctx, testUser); err != nil {
		t.Fatalf("StartPassengers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_moto"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	handled, err := r.engine.StartSavedPicker(ctx, testUser, r.state(t))
	if err != nil || !handled {
		t.Fatalf("StartSavedPicker = %v, %v", handled, err)
	}
	if st := r.state(t); st.Key != models.FlowSavedLocationPicker {
		t.Fatalf("expected picker state, got %q", st.Key)
	}

	handled, err = r.engine.HandleSavedPickerSelection(ctx, testUser, r.state(t), models.RowID(models.RowPrefixFavorite, created.ID))
	if err != nil || !handled {
		t.Fatalf("HandleSavedPickerSelection = %v, %v", handled, err)
	}
	if r.queries.passengerCalls != 1 {
		t.Errorf("expected search after picking favorite, got %d calls", r.queries.passengerCalls)
	}
}

func TestSavedPickerGoneFavorite(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.engine.StartPassengers(ctx, testUser); err != nil {
		t.Fatalf("StartPassengers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_moto"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	if _, err := r.engine.StartSavedPicker(ctx, testUser, r.state(t)); err != nil {
		t.Fatalf("StartSavedPicker failed: %v", err)
	}

	handled, err := r.engine.HandleSavedPickerSelection(ctx, testUser, r.state(t), models.RowID(models.RowPrefixFavorite, "deleted"))
	if err != nil || !handled {
		t.Fatalf("HandleSavedPickerSelection = %v, %v", handled, err)
	}
	btns := r.msgr.lastButtons(t)
	if btns.Body != msgPickerExpired {
		t.Errorf("expected expired copy, got %q", btns.Body)
	}
	if st := r.state(t); st != nil {
		t.Errorf("expected cleared state, got %+v", st)
	}
}

func TestInvalidLocationNotHandled(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.engine.StartDrivers(ctx, testUser); err != nil {
		t.Fatalf("StartDrivers failed: %v", err)
	}
	if _, err := r.engine.HandleVehicleSelection(ctx, testUser, r.state(t), "veh_moto"); err != nil {
		t.Fatalf("HandleVehicleSelection failed: %v", err)
	}
	handled, err := r.engine.HandleLocation(ctx, testUser, r.state(t), models.Coord{Lat: math.NaN(), Lng: 30.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Error("expected non-finite location not handled")
	}
}
