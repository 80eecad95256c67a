// Package store provides storage backends for waroute.
//
// It includes PostgreSQL and SQLite stores selected by DSN detection, plus an
// in-memory store used in tests. All backends implement the same Store
// interface.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/motolink/waroute/internal/models"
)

// ErrVersionConflict is returned when a chat-state save loses a race: the
// stored version no longer matches the expected one.
var ErrVersionConflict = errors.New("chat state version conflict")

// Store is the persistence boundary of the conversational core.
//
// Chat-state writes fully replace the prior state. Saves are conditioned on
// the version the caller read (0 means "no state must exist yet") and fail
// with ErrVersionConflict when a concurrent write got there first.
type Store interface {
	GetChatState(profileID string) (*models.ChatState, error)
	SaveChatState(state models.ChatState, expectedVersion int64) (newVersion int64, err error)
	ClearChatState(profileID string) error

	ListFavorites(ownerID string) ([]models.Favorite, error)
	GetFavorite(ownerID, favoriteID string) (*models.Favorite, error)
	CreateFavorite(f models.Favorite) error
	UpdateFavorite(f models.Favorite) error
	DeleteFavorite(ownerID, favoriteID string) error

	CreateSearchRecord(rec models.SearchRecord) error
	ExpireSearchRecord(recordID string) error
	GetSearchRecord(recordID string) (*models.SearchRecord, error)

	GetStoredVehicleType(profileID string) (string, error)
	SetStoredVehicleType(profileID, vehicleType string) error

	Close() error
}

// Opts holds configuration options for persistent stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a mutex-guarded in-memory Store for tests.
type InMemoryStore struct {
	mu            sync.Mutex
	states        map[string]models.ChatState
	favorites     map[string]storedFavorite
	searchRecords map[string]models.SearchRecord
	vehicleTypes  map[string]string
}

// storedFavorite keeps the geometry in encoded form so corrupt rows can be
// simulated the same way the SQL backends see them.
type storedFavorite struct {
	fav  models.Favorite
	geom string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:        make(map[string]models.ChatState),
		favorites:     make(map[string]storedFavorite),
		searchRecords: make(map[string]models.SearchRecord),
		vehicleTypes:  make(map[string]string),
	}
}

// GetChatState returns the state for a profile, or nil when absent.
func (s *InMemoryStore) GetChatState(profileID string) (*models.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[profileID]
	if !ok {
		return nil, nil
	}
	copied := st
	return &copied, nil
}

// SaveChatState replaces the state for a profile when the expected version
// still matches.
func (s *InMemoryStore) SaveChatState(state models.ChatState, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.states[state.ProfileID]
	switch {
	case !exists && expectedVersion != 0:
		return 0, ErrVersionConflict
	case exists && current.Version != expectedVersion:
		return 0, ErrVersionConflict
	}
	state.Version = expectedVersion + 1
	state.UpdatedAt = time.Now()
	s.states[state.ProfileID] = state
	return state.Version, nil
}

// ClearChatState removes the state for a profile. Clearing a missing state
// is not an error.
func (s *InMemoryStore) ClearChatState(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, profileID)
	return nil
}

// ListFavorites returns the owner's favorites. Rows whose stored geometry
// cannot be parsed are silently omitted.
func (s *InMemoryStore) ListFavorites(ownerID string) ([]models.Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Favorite
	for _, sf := range s.favorites {
		if sf.fav.OwnerID != ownerID {
			continue
		}
		coord, err := models.ParsePoint(sf.geom)
		if err != nil {
			continue
		}
		f := sf.fav
		f.Lat, f.Lng = coord.Lat, coord.Lng
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// GetFavorite returns one favorite by owner and id, or nil when absent or
// when its geometry is unparseable.
func (s *InMemoryStore) GetFavorite(ownerID, favoriteID string) (*models.Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.favorites[favoriteID]
	if !ok || sf.fav.OwnerID != ownerID {
		return nil, nil
	}
	coord, err := models.ParsePoint(sf.geom)
	if err != nil {
		return nil, nil
	}
	f := sf.fav
	f.Lat, f.Lng = coord.Lat, coord.Lng
	return &f, nil
}

// CreateFavorite stores a new favorite.
func (s *InMemoryStore) CreateFavorite(f models.Favorite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.favorites[f.ID] = storedFavorite{fav: f, geom: models.EncodePoint(models.Coord{Lat: f.Lat, Lng: f.Lng})}
	return nil
}

// UpdateFavorite replaces an existing favorite owned by the same user.
func (s *InMemoryStore) UpdateFavorite(f models.Favorite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.favorites[f.ID]
	if !ok || existing.fav.OwnerID != f.OwnerID {
		return errors.New("favorite not found")
	}
	s.favorites[f.ID] = storedFavorite{fav: f, geom: models.EncodePoint(models.Coord{Lat: f.Lat, Lng: f.Lng})}
	return nil
}

// DeleteFavorite removes a favorite owned by the user.
func (s *InMemoryStore) DeleteFavorite(ownerID, favoriteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sf, ok := s.favorites[favoriteID]; ok && sf.fav.OwnerID == ownerID {
		delete(s.favorites, favoriteID)
	}
	return nil
}

// PutCorruptFavorite stores a favorite with raw geometry text, bypassing
// encoding. Test helper for the corrupt-geometry policy.
func (s *InMemoryStore) PutCorruptFavorite(f models.Favorite, rawGeom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.favorites[f.ID] = storedFavorite{fav: f, geom: rawGeom}
}

// CreateSearchRecord stores a new ephemeral search record.
func (s *InMemoryStore) CreateSearchRecord(rec models.SearchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchRecords[rec.ID] = rec
	return nil
}

// ExpireSearchRecord marks a search record expired.
func (s *InMemoryStore) ExpireSearchRecord(recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.searchRecords[recordID]
	if !ok {
		return errors.New("search record not found")
	}
	rec.Status = models.SearchStatusExpired
	s.searchRecords[recordID] = rec
	return nil
}

// GetSearchRecord returns a search record by id, or nil when absent.
func (s *InMemoryStore) GetSearchRecord(recordID string) (*models.SearchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.searchRecords[recordID]
	if !ok {
		return nil, nil
	}
	copied := rec
	return &copied, nil
}

// GetStoredVehicleType returns the remembered vehicle type for a profile.
func (s *InMemoryStore) GetStoredVehicleType(profileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicleTypes[profileID], nil
}

// SetStoredVehicleType remembers the vehicle type for a profile.
func (s *InMemoryStore) SetStoredVehicleType(profileID, vehicleType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicleTypes[profileID] = vehicleType
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
