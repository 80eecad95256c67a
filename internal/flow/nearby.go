package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/motolink/waroute/internal/agent"
	"github.com/motolink/waroute/internal/config"
	"github.com/motolink/waroute/internal/intent"
	"github.com/motolink/waroute/internal/match"
	"github.com/motolink/waroute/internal/messaging"
	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/observability"
	"github.com/motolink/waroute/internal/store"
)

// Message copy used by the nearby flow.
const (
	msgShareLocation   = "Share your location to search, or pick a saved place."
	msgShareDropoff    = "Share your drop-off location, or skip to search around your pickup."
	msgNoMatches       = "No matches nearby right now. Try again in a few minutes."
	msgSearchFailed    = "Sorry, something went wrong with your search. Please try again."
	msgPickerExpired   = "That saved place is gone. Share a live location instead."
	msgPrefillToDriver = "Hi! I found you on the ride service. Are you available?"
	msgPrefillToRider  = "Hi! I found your ride request. I can pick you up."
)

// Engine drives the nearby matching flow.
type Engine struct {
	states  *StateManager
	store   store.Store
	msgr    messaging.Service
	queries match.Queries
	favs    favoritesLister
	cache   intent.Cache
	agent   agent.Client
	alerter observability.Alerter

	policy       config.SearchPolicy
	radiusMeters int
	maxResults   int
	windowDays   int

	newID func() string
	now   func() time.Time
}

// favoritesLister is the slice of the favorites service the engine needs.
type favoritesLister interface {
	PickerRows(ownerID string) ([]models.ListRow, error)
	Resolve(ownerID, rowID string) (*models.Favorite, error)
}

// Deps collects the engine's dependencies. Agent may be nil when the policy
// is direct.
type Deps struct {
	States  *StateManager
	Store   store.Store
	Msgr    messaging.Service
	Queries match.Queries
	Favs    favoritesLister
	Cache   intent.Cache
	Agent   agent.Client
	Alerter observability.Alerter

	Policy       config.SearchPolicy
	RadiusMeters int
	MaxResults   int
	WindowDays   int
}

// NewEngine creates the nearby engine.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		states:       d.States,
		store:        d.Store,
		msgr:         d.Msgr,
		queries:      d.Queries,
		favs:         d.Favs,
		cache:        d.Cache,
		agent:        d.Agent,
		alerter:      d.Alerter,
		policy:       d.Policy,
		radiusMeters: d.RadiusMeters,
		maxResults:   d.MaxResults,
		windowDays:   d.WindowDays,
		newID:        func() string { return uuid.New().String() },
		now:          time.Now,
	}
	if e.alerter == nil {
		e.alerter = observability.LogAlerter{}
	}
	if e.maxResults <= 0 {
		e.maxResults = config.DefaultMaxResults
	}
	if e.windowDays <= 0 {
		e.windowDays = config.DefaultWindowDays
	}
	if e.radiusMeters <= 0 {
		e.radiusMeters = config.DefaultRadiusMeters
	}
	return e
}

// SendHomeMenu renders the resting-state menu.
func (e *Engine) SendHomeMenu(ctx context.Context, from string) error {
	return e.msgr.SendList(ctx, from, models.ListMessage{
		Title:        "What would you like to do?",
		Body:         "Find people travelling near you.",
		SectionTitle: "Nearby",
		Rows: []models.ListRow{
			{ID: RowFindDrivers, Title: "Find drivers", Description: "See drivers close to you"},
			{ID: RowFindPassengers, Title: "Find passengers", Description: "See riders looking for a lift"},
		},
		ButtonLabel: "Choose",
	})
}

// StartDrivers begins a passenger's search for drivers. A fresh cached
// intent skips the prompts and searches immediately.
func (e *Engine) StartDrivers(ctx context.Context, from string) error {
	return e.start(ctx, from, models.ModeDrivers)
}

// StartPassengers begins a driver's search for passengers. The driver's
// stored vehicle type skips the vehicle prompt.
func (e *Engine) StartPassengers(ctx context.Context, from string) error {
	return e.start(ctx, from, models.ModePassengers)
}

func (e *Engine) start(ctx context.Context, from string, mode models.NearbyMode) error {
	version := e.currentVersion(from)

	if e.cache != nil {
		cached, err := e.cache.Recent(ctx, from, mode)
		if err != nil {
			slog.Warn("Intent cache read failed", "profileID", from, "mode", mode, "error", err)
		} else if cached != nil {
			ns := models.NearbyState{
				Mode:    mode,
				Vehicle: cached.Vehicle,
				Pickup:  &models.Coord{Lat: cached.Lat, Lng: cached.Lng},
			}
			slog.Debug("Nearby search using cached intent", "profileID", from, "mode", mode)
			return e.runSearch(ctx, from, ns, version)
		}
	}

	if mode == models.ModePassengers {
		stored, err := e.store.GetStoredVehicleType(from)
		if err != nil {
			slog.Warn("Stored vehicle lookup failed", "profileID", from, "error", err)
		} else if stored != "" {
			ns := models.NearbyState{Mode: mode, Vehicle: stored}
			if err := e.states.Put(from, models.FlowNearbyAwaitingPickup, ns, version); err != nil {
				return e.ignoreConflict(err)
			}
			return e.promptShareLocation(ctx, from, true)
		}
	}

	if err := e.states.Put(from, models.FlowNearbySelectVehicle, models.NearbyState{Mode: mode}, version); err != nil {
		return e.ignoreConflict(err)
	}
	return e.sendVehicleSelector(ctx, from, mode)
}

// HandleVehicleSelection consumes a veh_* row while selecting a vehicle.
// Returns false when the selection is not a catalog row.
func (e *Engine) HandleVehicleSelection(ctx context.Context, from string, st *models.ChatState, selectionID string) (bool, error) {
	if !IsVehicleOption(selectionID) {
		return false, nil
	}
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil || !ns.Mode.Valid() {
		return false, nil
	}

	ns.Vehicle = VehicleFromRowID(selectionID)
	if ns.Mode == models.ModePassengers {
		if err := e.store.SetStoredVehicleType(from, ns.Vehicle); err != nil {
			slog.Warn("Failed to store vehicle type", "profileID", from, "error", err)
		}
	}
	if err := e.states.Put(from, models.FlowNearbyAwaitingPickup, ns, st.Version); err != nil {
		return true, e.ignoreConflict(err)
	}
	return true, e.promptShareLocation(ctx, from, ns.Mode == models.ModePassengers)
}

// HandleLocation consumes a live location share while a pickup or dropoff is
// awaited.
func (e *Engine) HandleLocation(ctx context.Context, from string, st *models.ChatState, coord models.Coord) (bool, error) {
	if !coord.Valid() {
		return false, nil
	}
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil || !ns.Mode.Valid() || ns.Vehicle == "" {
		return false, nil
	}

	switch st.Key {
	case models.FlowNearbyAwaitingPickup:
		ns.Pickup = &coord
		if ns.Mode == models.ModeDrivers {
			if err := e.states.Put(from, models.FlowNearbyAwaitingDropoff, ns, st.Version); err != nil {
				return true, e.ignoreConflict(err)
			}
			return true, e.msgr.SendButtons(ctx, from, models.ButtonsMessage{
				Body: msgShareDropoff,
				Buttons: []models.Button{
					{ID: RowSkipDropoff, Title: "Skip drop-off"},
					{ID: RowSavedLocations, Title: "Saved places"},
				},
			})
		}
		return true, e.runSearch(ctx, from, ns, st.Version)

	case models.FlowNearbyAwaitingDropoff:
		ns.Dropoff = &coord
		return true, e.runSearch(ctx, from, ns, st.Version)
	}
	return false, nil
}

// HandleSkipDropoff searches with the pickup only, from the dropoff prompt.
func (e *Engine) HandleSkipDropoff(ctx context.Context, from string, st *models.ChatState) (bool, error) {
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil || ns.Pickup == nil {
		return false, nil
	}
	ns.Dropoff = nil
	return true, e.runSearch(ctx, from, ns, st.Version)
}

// HandleResultSelection resolves a MTCH:: row against the most recently
// rendered results. A stale or foreign id is not handled so the router can
// fall through.
func (e *Engine) HandleResultSelection(ctx context.Context, from string, st *models.ChatState, selectionID string) (bool, error) {
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil {
		return false, nil
	}
	var picked *models.NearbyRow
	for i := range ns.Rows {
		if ns.Rows[i].ID == selectionID {
			picked = &ns.Rows[i]
			break
		}
	}
	if picked == nil {
		return false, nil
	}

	slog.Info("Match selected", "profileID", from, "tripID", picked.TripID, "mode", ns.Mode)
	prefill := msgPrefillToDriver
	if ns.Mode == models.ModePassengers {
		prefill = msgPrefillToRider
	}
	link := ChatLink(picked.Contact, prefill)
	if err := e.msgr.SendButtons(ctx, from, models.ButtonsMessage{
		Body:    "Open the chat to arrange your trip:\n" + link,
		Buttons: []models.Button{{ID: RowHomeMenu, Title: "Home"}},
	}); err != nil {
		return true, err
	}
	return true, e.states.Clear(from)
}

// HandleChangeVehicle returns to the vehicle selector, keeping the mode.
func (e *Engine) HandleChangeVehicle(ctx context.Context, from string, st *models.ChatState) (bool, error) {
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil || !ns.Mode.Valid() {
		return false, nil
	}
	if err := e.states.Put(from, models.FlowNearbySelectVehicle, models.NearbyState{Mode: ns.Mode}, st.Version); err != nil {
		return true, e.ignoreConflict(err)
	}
	return true, e.sendVehicleSelector(ctx, from, ns.Mode)
}

// StartSavedPicker snapshots the in-flight nearby state and offers the
// favorites picker for the stage being filled.
func (e *Engine) StartSavedPicker(ctx context.Context, from string, st *models.ChatState) (bool, error) {
	var ns models.NearbyState
	if err := st.DecodeData(&ns); err != nil || !ns.Mode.Valid() || ns.Vehicle == "" {
		return false, nil
	}

	stage := models.PickerStagePickup
	if ns.Mode == models.ModeDrivers && ns.Pickup != nil {
		stage = models.PickerStageDropoff
	}
	ps := models.SavedPickerState{Stage: stage, Snapshot: ns}
	if err := e.states.Put(from, models.FlowSavedLocationPicker, ps, st.Version); err != nil {
		return true, e.ignoreConflict(err)
	}

	rows, err := e.favs.PickerRows(from)
	if err != nil {
		return true, e.failSearch(ctx, from, ns, err)
	}
	body := "Pick a saved place for your " + string(stage) + "."
	if len(rows) == 0 {
		body += "\n\nYou have no saved places yet. Share a live location instead."
	}
	rows = append(rows, models.ListRow{ID: RowHomeMenu, Title: "Back to menu"})
	return true, e.msgr.SendList(ctx, from, models.ListMessage{
		Title:        "Saved places",
		Body:         body,
		SectionTitle: "Your places",
		Rows:         rows,
		ButtonLabel:  "Choose",
	})
}

// HandleSavedPickerSelection feeds a picked favorite into the nearby flow
// exactly like a live location share.
func (e *Engine) HandleSavedPickerSelection(ctx context.Context, from string, st *models.ChatState, selectionID string) (bool, error) {
	var ps models.SavedPickerState
	if err := st.DecodeData(&ps); err != nil || !ps.Snapshot.Mode.Valid() {
		return false, nil
	}
	fav, err := e.favs.Resolve(from, selectionID)
	if err != nil {
		return true, e.failSearch(ctx, from, ps.Snapshot, err)
	}
	if fav == nil {
		prefix, _, ok := models.SplitRowID(selectionID)
		if !ok || prefix != models.RowPrefixFavorite {
			return false, nil
		}
		// The favorite disappeared between rendering and selection.
		if err := e.msgr.SendButtons(ctx, from, models.ButtonsMessage{
			Body:    msgPickerExpired,
			Buttons: []models.Button{{ID: RowHomeMenu, Title: "Home"}},
		}); err != nil {
			return true, err
		}
		return true, e.states.Clear(from)
	}

	ns := ps.Snapshot
	coord := models.Coord{Lat: fav.Lat, Lng: fav.Lng}
	key := models.FlowNearbyAwaitingPickup
	if ps.Stage == models.PickerStageDropoff {
		key = models.FlowNearbyAwaitingDropoff
	}
	if err := e.states.Put(from, key, ns, st.Version); err != nil {
		return true, e.ignoreConflict(err)
	}
	restored, err := e.states.Get(from)
	if err != nil {
		return true, err
	}
	return e.HandleLocation(ctx, from, restored, coord)
}

// HandleSavedPickerLocation consumes a live location shared while the picker
// is open: the snapshot is restored and the location fills the pending stage.
func (e *Engine) HandleSavedPickerLocation(ctx context.Context, from string, st *models.ChatState, coord models.Coord) (bool, error) {
	var ps models.SavedPickerState
	if err := st.DecodeData(&ps); err != nil || !ps.Snapshot.Mode.Valid() {
		return false, nil
	}
	key := models.FlowNearbyAwaitingPickup
	if ps.Stage == models.PickerStageDropoff {
		key = models.FlowNearbyAwaitingDropoff
	}
	if err := e.states.Put(from, key, ps.Snapshot, st.Version); err != nil {
		return true, e.ignoreConflict(err)
	}
	restored, err := e.states.Get(from)
	if err != nil {
		return true, err
	}
	return e.HandleLocation(ctx, from, restored, coord)
}

// HandleAgentSelection resolves an AGENT:: row rendered by the advisory
// agent in a previous turn.
func (e *Engine) HandleAgentSelection(ctx context.Context, from string, st *models.ChatState, selectionID string) (bool, error) {
	prefix, optionID, ok := models.SplitRowID(selectionID)
	if !ok || prefix != models.RowPrefixAgent {
		return false, nil
	}
	var as models.AgentSelectionState
	if err := st.DecodeData(&as); err != nil {
		return false, nil
	}
	slog.Info("Agent option selected", "profileID", from, "sessionID", as.SessionID, "optionID", optionID)
	if err := e.msgr.SendText(ctx, from, "Got it. We are arranging that option and will message you shortly."); err != nil {
		return true, err
	}
	return true, e.states.Clear(from)
}

// runSearch executes the search step: record the intent, optionally consult
// the advisory agent, run the ranking query inside the scoped search record,
// and render the outcome. The user always lands in a defined state.
func (e *Engine) runSearch(ctx context.Context, from string, ns models.NearbyState, version int64) error {
	if ns.Pickup == nil || !ns.Pickup.Valid() {
		return e.failSearch(ctx, from, ns, errors.New("search without a valid pickup"))
	}

	observability.SearchesTotal.WithLabelValues(string(ns.Mode)).Inc()
	started := e.now()
	defer func() {
		observability.SearchLatency.Observe(e.now().Sub(started).Seconds())
	}()

	if e.cache != nil {
		entry := models.IntentEntry{
			OwnerID:    from,
			Mode:       ns.Mode,
			Vehicle:    ns.Vehicle,
			Lat:        ns.Pickup.Lat,
			Lng:        ns.Pickup.Lng,
			CapturedAt: e.now(),
		}
		if err := e.cache.Store(ctx, entry); err != nil {
			slog.Warn("Intent cache write failed", "profileID", from, "error", err)
		}
	}

	if e.policy == config.PolicyAgentFirst && e.agent != nil {
		handled, err := e.tryAgent(ctx, from, ns, version)
		if err != nil {
			slog.Error("Agent hand-off failed, falling back to direct matching", "profileID", from, "error", err)
			observability.AgentHandoffsTotal.WithLabelValues("error").Inc()
		} else if handled {
			observability.AgentHandoffsTotal.WithLabelValues("rendered").Inc()
			return nil
		} else {
			observability.AgentHandoffsTotal.WithLabelValues("fallback").Inc()
		}
	}

	role := models.RoleDriver
	if ns.Mode == models.ModeDrivers {
		role = models.RolePassenger
	}
	rec := models.SearchRecord{
		ID:           e.newID(),
		ProfileID:    from,
		Role:         role,
		VehicleType:  ns.Vehicle,
		Pickup:       *ns.Pickup,
		Dropoff:      ns.Dropoff,
		RadiusMeters: e.radiusMeters,
		Status:       models.SearchStatusOpen,
	}

	params := match.Params{
		RadiusMeters:   e.radiusMeters,
		ResultCap:      e.maxResults,
		WindowDays:     e.windowDays,
		IncludeDropoff: ns.Dropoff != nil,
	}
	var results []models.MatchResult
	err := match.WithRecord(ctx, e.store, rec, func(ctx context.Context) error {
		var qerr error
		if ns.Mode == models.ModeDrivers {
			results, qerr = e.queries.MatchDrivers(ctx, rec.ID, params)
		} else {
			results, qerr = e.queries.MatchPassengers(ctx, rec.ID, params)
		}
		return qerr
	})
	if err != nil {
		return e.failSearch(ctx, from, ns, err)
	}

	match.Sort(results)
	results = match.Cap(results, e.maxResults)
	observability.MatchesReturned.Observe(float64(len(results)))
	slog.Info("Nearby search completed", "profileID", from, "mode", ns.Mode, "vehicle", ns.Vehicle, "count", len(results))

	if len(results) == 0 {
		if err := e.msgr.SendButtons(ctx, from, models.ButtonsMessage{
			Body:    msgNoMatches,
			Buttons: []models.Button{{ID: RowHomeMenu, Title: "Home"}},
		}); err != nil {
			return err
		}
		return e.states.Clear(from)
	}

	now := e.now()
	listRows := make([]models.ListRow, 0, len(results)+1)
	stateRows := make([]models.NearbyRow, 0, len(results))
	for _, m := range results {
		listRow, stateRow := buildResultRow(m, now)
		listRows = append(listRows, listRow)
		stateRows = append(stateRows, stateRow)
	}
	listRows = append(listRows, models.ListRow{ID: RowHomeMenu, Title: "Back to menu"})

	ns.Rows = stateRows
	if err := e.states.Put(from, models.FlowNearbyResults, ns, version); err != nil {
		return e.ignoreConflict(err)
	}

	title, body := "Drivers nearby", "Pick a driver to chat with."
	if ns.Mode == models.ModePassengers {
		title, body = "Passengers nearby", "Pick a passenger to chat with."
	}
	return e.msgr.SendList(ctx, from, models.ListMessage{
		Title:        title,
		Body:         body,
		SectionTitle: "Matches",
		Rows:         listRows,
		ButtonLabel:  "Open",
	})
}

// tryAgent offers the search to the advisory agent. Returns true when agent
// options were rendered and the flow moved to agent selection.
func (e *Engine) tryAgent(ctx context.Context, from string, ns models.NearbyState, version int64) (bool, error) {
	req := models.AgentRequest{
		UserID:    from,
		AgentType: "nearby_" + string(ns.Mode),
		FlowType:  "find_" + string(ns.Mode),
		Location:  ns.Pickup,
		RequestData: map[string]any{
			"vehicle_type": ns.Vehicle,
		},
	}
	if ns.Dropoff != nil {
		req.RequestData["dropoff"] = ns.Dropoff
	}

	resp, err := e.agent.Route(ctx, req)
	if err != nil {
		return false, err
	}
	if !resp.Success || len(resp.Options) == 0 {
		return false, nil
	}

	rows := make([]models.ListRow, 0, len(resp.Options)+1)
	for _, opt := range resp.Options {
		rows = append(rows, models.ListRow{
			ID:          models.RowID(models.RowPrefixAgent, opt.ID),
			Title:       opt.Title,
			Description: opt.Description,
		})
	}
	rows = append(rows, models.ListRow{ID: RowHomeMenu, Title: "Back to menu"})

	as := models.AgentSelectionState{SessionID: resp.SessionID, AgentType: req.AgentType}
	if err := e.states.Put(from, models.FlowAgentSelection, as, version); err != nil {
		return true, e.ignoreConflict(err)
	}
	body := resp.Message
	if body == "" {
		body = "Here are some options for you."
	}
	return true, e.msgr.SendList(ctx, from, models.ListMessage{
		Title:        "Suggested options",
		Body:         body,
		SectionTitle: "Options",
		Rows:         rows,
		ButtonLabel:  "Choose",
	})
}

// failSearch is the single recovery path for search errors: one error log,
// one alert, an apology, and a clean state.
func (e *Engine) failSearch(ctx context.Context, from string, ns models.NearbyState, cause error) error {
	slog.Error("Nearby search failed", "profileID", from, "mode", ns.Mode, "vehicle", ns.Vehicle, "error", cause)
	observability.HandlerErrorsTotal.WithLabelValues("nearby").Inc()
	e.alerter.Alert(ctx, "MATCHES_ERROR", map[string]any{
		"flow":    "nearby",
		"mode":    string(ns.Mode),
		"vehicle": ns.Vehicle,
		"wa_id":   MaskPhone(from),
		"error":   cause.Error(),
	})
	if err := e.msgr.SendButtons(ctx, from, models.ButtonsMessage{
		Body:    msgSearchFailed,
		Buttons: []models.Button{{ID: RowHomeMenu, Title: "Home"}},
	}); err != nil {
		slog.Error("Failed to send search apology", "profileID", from, "error", err)
	}
	return e.states.Clear(from)
}

func (e *Engine) sendVehicleSelector(ctx context.Context, from string, mode models.NearbyMode) error {
	title := "Find drivers"
	if mode == models.ModePassengers {
		title = "Find passengers"
	}
	rows := append(vehicleRows(), models.ListRow{ID: RowHomeMenu, Title: "Back to menu"})
	return e.msgr.SendList(ctx, from, models.ListMessage{
		Title:        title,
		Body:         "What kind of vehicle are you looking for?",
		SectionTitle: "Vehicles",
		Rows:         rows,
		ButtonLabel:  "Choose",
	})
}

func (e *Engine) promptShareLocation(ctx context.Context, from string, allowVehicleChange bool) error {
	buttons := make([]models.Button, 0, 2)
	if allowVehicleChange {
		buttons = append(buttons, models.Button{ID: RowChangeVehicle, Title: "Change vehicle"})
	}
	buttons = append(buttons, models.Button{ID: RowSavedLocations, Title: "Saved places"})
	return e.msgr.SendButtons(ctx, from, models.ButtonsMessage{
		Body:    msgShareLocation,
		Buttons: buttons,
	})
}

// currentVersion reads the user's state version for a conditional save; a
// missing state reads as version 0.
func (e *Engine) currentVersion(from string) int64 {
	st, err := e.states.Get(from)
	if err != nil || st == nil {
		return 0
	}
	return st.Version
}

// ignoreConflict drops a lost save race: the concurrent writer owns the
// conversation now.
func (e *Engine) ignoreConflict(err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	return err
}
