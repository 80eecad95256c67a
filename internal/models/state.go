package models

import (
	"encoding/json"
	"time"
)

// FlowKey names the current position of a conversation. Handlers dispatch on
// it per message kind; unknown keys fall through the router chain.
type FlowKey string

const (
	// FlowHome is the resting state; a missing ChatState row means the same.
	FlowHome FlowKey = "home"

	// Nearby matching engine states.
	FlowNearbySelectVehicle   FlowKey = "nearby_select_vehicle"
	FlowNearbyAwaitingPickup  FlowKey = "nearby_awaiting_pickup"
	FlowNearbyAwaitingDropoff FlowKey = "nearby_awaiting_dropoff"
	FlowNearbyResults         FlowKey = "nearby_results"

	// FlowSavedLocationPicker is the favorites picker, shared between the
	// pickup and dropoff stages of the nearby flow.
	FlowSavedLocationPicker FlowKey = "location_saved_picker"

	// FlowAgentSelection resolves a row selection against options rendered by
	// the advisory agent in a previous turn.
	FlowAgentSelection FlowKey = "agent_selection"
)

// ChatState is the single persisted conversation slot for a user. Writes
// fully replace the previous state; Version increases monotonically and
// saves are conditioned on the expected version.
type ChatState struct {
	ProfileID string          `json:"profile_id"`
	Key       FlowKey         `json:"key"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DecodeData unmarshals the state payload into v. A nil payload leaves v
// untouched.
func (s *ChatState) DecodeData(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	return json.Unmarshal(s.Data, v)
}

// NearbyMode distinguishes who the searcher is looking for.
type NearbyMode string

const (
	// ModeDrivers: the searcher is a passenger looking for drivers.
	ModeDrivers NearbyMode = "drivers"
	// ModePassengers: the searcher is a driver looking for passengers.
	ModePassengers NearbyMode = "passengers"
)

// Valid reports whether the mode is one of the two known values.
func (m NearbyMode) Valid() bool {
	return m == ModeDrivers || m == ModePassengers
}

// NearbyRow is one rendered result row persisted into ChatState so a later
// selection can be resolved without re-querying.
type NearbyRow struct {
	ID      string `json:"id"`
	Contact string `json:"contact"`
	Ref     string `json:"ref"`
	TripID  string `json:"trip_id"`
}

// NearbyState is the ChatState payload of the nearby matching engine.
// Dropoff is only meaningful when Mode is ModeDrivers.
type NearbyState struct {
	Mode    NearbyMode  `json:"mode"`
	Vehicle string      `json:"vehicle,omitempty"`
	Pickup  *Coord      `json:"pickup,omitempty"`
	Dropoff *Coord      `json:"dropoff,omitempty"`
	Rows    []NearbyRow `json:"rows,omitempty"`
}

// SavedPickerStage says which location the favorites picker is feeding.
type SavedPickerStage string

const (
	PickerStagePickup  SavedPickerStage = "pickup"
	PickerStageDropoff SavedPickerStage = "dropoff"
)

// SavedPickerState is the ChatState payload of the saved-location picker. It
// snapshots the in-flight nearby state so the flow resumes after a pick.
type SavedPickerState struct {
	Stage    SavedPickerStage `json:"stage"`
	Snapshot NearbyState      `json:"snapshot"`
}

// AgentSelectionState is the ChatState payload stored after advisory agent
// options were rendered, supporting the multi-turn continuation.
type AgentSelectionState struct {
	SessionID string `json:"session_id"`
	AgentType string `json:"agent_type"`
}
