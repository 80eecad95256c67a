// Package store provides storage backends for waroute.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/motolink/waroute/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres store ready")
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for components that share the connection
// (the ranking query client).
func (s *PostgresStore) DB() *sql.DB { return s.db }

// GetChatState returns the chat state for a profile, or nil when absent.
func (s *PostgresStore) GetChatState(profileID string) (*models.ChatState, error) {
	row := s.db.QueryRow(
		`SELECT key, data, version, updated_at FROM chat_states WHERE profile_id = $1`, profileID)
	st := models.ChatState{ProfileID: profileID}
	var data sql.NullString
	err := row.Scan(&st.Key, &data, &st.Version, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetChatState failed", "error", err, "profileID", profileID)
		return nil, fmt.Errorf("failed to load chat state for %s: %w", profileID, err)
	}
	if data.Valid {
		st.Data = []byte(data.String)
	}
	return &st, nil
}

// SaveChatState replaces the chat state, conditioned on the expected version.
func (s *PostgresStore) SaveChatState(state models.ChatState, expectedVersion int64) (int64, error) {
	newVersion := expectedVersion + 1
	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = s.db.Exec(
			`INSERT INTO chat_states (profile_id, key, data, version, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (profile_id) DO NOTHING`,
			state.ProfileID, string(state.Key), nilIfEmpty(string(state.Data)), newVersion)
	} else {
		res, err = s.db.Exec(
			`UPDATE chat_states SET key = $2, data = $3, version = $4, updated_at = now()
			 WHERE profile_id = $1 AND version = $5`,
			state.ProfileID, string(state.Key), nilIfEmpty(string(state.Data)), newVersion, expectedVersion)
	}
	if err != nil {
		slog.Error("PostgresStore SaveChatState failed", "error", err, "profileID", state.ProfileID)
		return 0, fmt.Errorf("failed to save chat state for %s: %w", state.ProfileID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

// ClearChatState removes the chat state for a profile.
func (s *PostgresStore) ClearChatState(profileID string) error {
	if _, err := s.db.Exec(`DELETE FROM chat_states WHERE profile_id = $1`, profileID); err != nil {
		slog.Error("PostgresStore ClearChatState failed", "error", err, "profileID", profileID)
		return fmt.Errorf("failed to clear chat state for %s: %w", profileID, err)
	}
	return nil
}

// ListFavorites returns the owner's favorites, omitting rows with
// unparseable geometry.
func (s *PostgresStore) ListFavorites(ownerID string) ([]models.Favorite, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, kind, label, address, geom FROM favorites WHERE owner_id = $1 ORDER BY label`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query favorites for %s: %w", ownerID, err)
	}
	defer rows.Close()
	var out []models.Favorite
	for rows.Next() {
		f, ok, err := scanFavorite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan favorite row: %w", err)
		}
		if !ok {
			slog.Warn("PostgresStore skipping favorite with corrupt geometry", "id", f.ID, "ownerID", ownerID)
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFavorite returns one favorite, or nil when absent or corrupt.
func (s *PostgresStore) GetFavorite(ownerID, favoriteID string) (*models.Favorite, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, kind, label, address, geom FROM favorites WHERE owner_id = $1 AND id = $2`,
		ownerID, favoriteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query favorite %s: %w", favoriteID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	f, ok, err := scanFavorite(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan favorite row: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &f, nil
}

// CreateFavorite inserts a favorite.
func (s *PostgresStore) CreateFavorite(f models.Favorite) error {
	_, err := s.db.Exec(
		`INSERT INTO favorites (id, owner_id, kind, label, address, geom) VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.OwnerID, string(f.Kind), f.Label, nilIfEmpty(f.Address),
		models.EncodePoint(models.Coord{Lat: f.Lat, Lng: f.Lng}))
	if err != nil {
		return fmt.Errorf("failed to insert favorite for %s: %w", f.OwnerID, err)
	}
	return nil
}

// UpdateFavorite replaces a favorite owned by the same user.
func (s *PostgresStore) UpdateFavorite(f models.Favorite) error {
	res, err := s.db.Exec(
		`UPDATE favorites SET kind = $3, label = $4, address = $5, geom = $6 WHERE owner_id = $1 AND id = $2`,
		f.OwnerID, f.ID, string(f.Kind), f.Label, nilIfEmpty(f.Address),
		models.EncodePoint(models.Coord{Lat: f.Lat, Lng: f.Lng}))
	if err != nil {
		return fmt.Errorf("failed to update favorite %s: %w", f.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("favorite %s not found", f.ID)
	}
	return nil
}

// DeleteFavorite removes a favorite owned by the user.
func (s *PostgresStore) DeleteFavorite(ownerID, favoriteID string) error {
	if _, err := s.db.Exec(`DELETE FROM favorites WHERE owner_id = $1 AND id = $2`, ownerID, favoriteID); err != nil {
		return fmt.Errorf("failed to delete favorite %s: %w", favoriteID, err)
	}
	return nil
}

// CreateSearchRecord inserts an ephemeral search record.
func (s *PostgresStore) CreateSearchRecord(rec models.SearchRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO search_records (id, profile_id, role, vehicle_type, pickup, dropoff, radius_m, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		rec.ID, rec.ProfileID, string(rec.Role), rec.VehicleType,
		models.EncodePoint(rec.Pickup), encodeOptionalPoint(rec.Dropoff),
		rec.RadiusMeters, rec.Status)
	if err != nil {
		slog.Error("PostgresStore CreateSearchRecord failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to insert search record %s: %w", rec.ID, err)
	}
	return nil
}

// ExpireSearchRecord marks a search record expired.
func (s *PostgresStore) ExpireSearchRecord(recordID string) error {
	_, err := s.db.Exec(`UPDATE search_records SET status = $2 WHERE id = $1`, recordID, models.SearchStatusExpired)
	if err != nil {
		slog.Error("PostgresStore ExpireSearchRecord failed", "error", err, "id", recordID)
		return fmt.Errorf("failed to expire search record %s: %w", recordID, err)
	}
	return nil
}

// GetSearchRecord returns a search record by id, or nil when absent.
func (s *PostgresStore) GetSearchRecord(recordID string) (*models.SearchRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, profile_id, role, vehicle_type, pickup, dropoff, radius_m, status, created_at
		 FROM search_records WHERE id = $1`, recordID)
	var rec models.SearchRecord
	var pickup string
	var dropoff sql.NullString
	err := row.Scan(&rec.ID, &rec.ProfileID, &rec.Role, &rec.VehicleType, &pickup, &dropoff, &rec.RadiusMeters, &rec.Status, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load search record %s: %w", recordID, err)
	}
	coord, err := models.ParsePoint(pickup)
	if err != nil {
		return nil, fmt.Errorf("corrupt pickup geometry on record %s: %w", recordID, err)
	}
	rec.Pickup = coord
	if dropoff.Valid {
		d, err := models.ParsePoint(dropoff.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt dropoff geometry on record %s: %w", recordID, err)
		}
		rec.Dropoff = &d
	}
	return &rec, nil
}

// GetStoredVehicleType returns the remembered vehicle type, or "".
func (s *PostgresStore) GetStoredVehicleType(profileID string) (string, error) {
	var vt string
	err := s.db.QueryRow(`SELECT vehicle_type FROM vehicle_prefs WHERE profile_id = $1`, profileID).Scan(&vt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load vehicle pref for %s: %w", profileID, err)
	}
	return vt, nil
}

// SetStoredVehicleType upserts the remembered vehicle type.
func (s *PostgresStore) SetStoredVehicleType(profileID, vehicleType string) error {
	_, err := s.db.Exec(
		`INSERT INTO vehicle_prefs (profile_id, vehicle_type, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (profile_id) DO UPDATE SET vehicle_type = EXCLUDED.vehicle_type, updated_at = now()`,
		profileID, vehicleType)
	if err != nil {
		return fmt.Errorf("failed to save vehicle pref for %s: %w", profileID, err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
