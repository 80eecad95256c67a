// Package favorites manages saved locations and renders them as picker rows
// for the nearby flow.
package favorites

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/store"
)

// MaxPickerRows bounds how many favorites fit in one interactive list.
const MaxPickerRows = 9

// Service manages saved locations for one channel's users.
type Service struct {
	store store.Store
}

// NewService creates a favorites service over the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// List returns the owner's favorites. Corrupt rows are already filtered by
// the store.
func (s *Service) List(ownerID string) ([]models.Favorite, error) {
	return s.store.ListFavorites(ownerID)
}

// Get returns one favorite, or nil when absent.
func (s *Service) Get(ownerID, favoriteID string) (*models.Favorite, error) {
	return s.store.GetFavorite(ownerID, favoriteID)
}

// Create validates and stores a new favorite, returning it with its
// generated id.
func (s *Service) Create(f models.Favorite) (models.Favorite, error) {
	f.Label = strings.TrimSpace(f.Label)
	if f.Label == "" {
		return f, fmt.Errorf("favorite label cannot be empty")
	}
	if !(models.Coord{Lat: f.Lat, Lng: f.Lng}).Valid() {
		return f, fmt.Errorf("favorite coordinates must be finite")
	}
	if f.Kind == "" {
		f.Kind = models.FavoriteOther
	}
	f.ID = uuid.New().String()
	if err := s.store.CreateFavorite(f); err != nil {
		return f, fmt.Errorf("failed to create favorite: %w", err)
	}
	slog.Debug("Favorite created", "ownerID", f.OwnerID, "id", f.ID, "kind", f.Kind)
	return f, nil
}

// Update replaces an existing favorite.
func (s *Service) Update(f models.Favorite) error {
	f.Label = strings.TrimSpace(f.Label)
	if f.Label == "" {
		return fmt.Errorf("favorite label cannot be empty")
	}
	if !(models.Coord{Lat: f.Lat, Lng: f.Lng}).Valid() {
		return fmt.Errorf("favorite coordinates must be finite")
	}
	return s.store.UpdateFavorite(f)
}

// Delete removes a favorite owned by the user.
func (s *Service) Delete(ownerID, favoriteID string) error {
	return s.store.DeleteFavorite(ownerID, favoriteID)
}

// PickerRows renders the owner's favorites as selectable rows, capped at
// MaxPickerRows. An empty slice means the picker should not be offered.
func (s *Service) PickerRows(ownerID string) ([]models.ListRow, error) {
	favs, err := s.store.ListFavorites(ownerID)
	if err != nil {
		return nil, err
	}
	if len(favs) > MaxPickerRows {
		favs = favs[:MaxPickerRows]
	}
	rows := make([]models.ListRow, 0, len(favs))
	for _, f := range favs {
		rows = append(rows, models.ListRow{
			ID:          models.RowID(models.RowPrefixFavorite, f.ID),
			Title:       f.Label,
			Description: kindLabel(f.Kind),
		})
	}
	return rows, nil
}

// Resolve maps a FAV:: row selection back to the favorite's coordinate.
// Returns nil when the row id is foreign or the favorite is gone.
func (s *Service) Resolve(ownerID, rowID string) (*models.Favorite, error) {
	prefix, entityID, ok := models.SplitRowID(rowID)
	if !ok || prefix != models.RowPrefixFavorite {
		return nil, nil
	}
	return s.store.GetFavorite(ownerID, entityID)
}

func kindLabel(kind models.FavoriteKind) string {
	switch kind {
	case models.FavoriteHome:
		return "Home"
	case models.FavoriteWork:
		return "Work"
	case models.FavoriteSchool:
		return "School"
	default:
		return "Saved place"
	}
}
