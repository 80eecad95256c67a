package models

import "time"

// SearchRole is the role recorded on an ephemeral search record. It is the
// searcher's own role: a passenger searching for drivers records role
// "passenger".
type SearchRole string

const (
	RolePassenger SearchRole = "passenger"
	RoleDriver    SearchRole = "driver"
)

// Search record statuses. Every record created for a search must reach
// SearchStatusExpired before the search invocation returns.
const (
	SearchStatusOpen    = "open"
	SearchStatusExpired = "expired"
)

// SearchRecord is the transient record created to drive one ranking query.
// It never persists as a real trip.
type SearchRecord struct {
	ID           string     `json:"id"`
	ProfileID    string     `json:"profile_id"`
	Role         SearchRole `json:"role"`
	VehicleType  string     `json:"vehicle_type"`
	Pickup       Coord      `json:"pickup"`
	Dropoff      *Coord     `json:"dropoff,omitempty"`
	RadiusMeters int        `json:"radius_meters"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MatchResult is one candidate counterpart returned by the ranking query.
type MatchResult struct {
	TripID     string     `json:"trip_id"`
	Contact    string     `json:"contact"`
	RefCode    string     `json:"ref_code"`
	DistanceKm *float64   `json:"distance_km,omitempty"`
	MatchedAt  *time.Time `json:"matched_at,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// Recency returns the timestamp used for ordering: matched-at when present,
// otherwise created-at, otherwise the zero time.
func (m MatchResult) Recency() time.Time {
	if m.MatchedAt != nil {
		return *m.MatchedAt
	}
	if m.CreatedAt != nil {
		return *m.CreatedAt
	}
	return time.Time{}
}

// FavoriteKind classifies a saved location.
type FavoriteKind string

const (
	FavoriteHome   FavoriteKind = "home"
	FavoriteWork   FavoriteKind = "work"
	FavoriteSchool FavoriteKind = "school"
	FavoriteOther  FavoriteKind = "other"
)

// Favorite is a user-named, reusable geocoordinate.
type Favorite struct {
	ID      string       `json:"id"`
	OwnerID string       `json:"owner_id"`
	Kind    FavoriteKind `json:"kind"`
	Label   string       `json:"label"`
	Address string       `json:"address,omitempty"`
	Lat     float64      `json:"lat"`
	Lng     float64      `json:"lng"`
}

// IntentEntry is the most recent search parameters for one (owner, mode)
// pair, used to bypass repeated prompts.
type IntentEntry struct {
	OwnerID    string     `json:"owner_id"`
	Mode       NearbyMode `json:"mode"`
	Vehicle    string     `json:"vehicle"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	CapturedAt time.Time  `json:"captured_at"`
}

// AgentRequest is the hand-off request sent to an advisory agent.
type AgentRequest struct {
	UserID      string         `json:"user_id"`
	AgentType   string         `json:"agent_type"`
	FlowType    string         `json:"flow_type"`
	Location    *Coord         `json:"location,omitempty"`
	RequestData map[string]any `json:"request_data,omitempty"`
}

// AgentOption is one option proposed by an advisory agent.
type AgentOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// AgentResponse is the advisory agent's reply. Success with a non-empty
// Options slice means the options can be rendered; anything else triggers
// the direct-matching fallback.
type AgentResponse struct {
	Success   bool          `json:"success"`
	SessionID string        `json:"session_id,omitempty"`
	Options   []AgentOption `json:"options,omitempty"`
	Message   string        `json:"message,omitempty"`
}
