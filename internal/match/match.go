// Package match runs the proximity ranking queries behind the nearby flow.
//
// Each search creates a transient search record, queries the ranking
// functions against it, and always expires the record before returning,
// whether or not the query succeeded.
package match

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/motolink/waroute/internal/models"
	"github.com/motolink/waroute/internal/store"
)

// Params tunes one ranking query. IncludeDropoff tells the ranking function
// to prefer candidates along the searcher's dropoff direction.
type Params struct {
	RadiusMeters   int
	ResultCap      int
	WindowDays     int
	IncludeDropoff bool
}

// Queries is the ranking query surface. Implementations return candidates
// unordered; callers apply Sort.
type Queries interface {
	// MatchDrivers finds drivers for a passenger's search record.
	MatchDrivers(ctx context.Context, recordID string, p Params) ([]models.MatchResult, error)
	// MatchPassengers finds passengers for a driver's search record.
	MatchPassengers(ctx context.Context, recordID string, p Params) ([]models.MatchResult, error)
}

// SQLQueries implements Queries against the PostGIS ranking functions
// match_drivers_for_trip and match_passengers_for_trip.
type SQLQueries struct {
	db *sql.DB
}

// NewSQLQueries wraps a database handle shared with the store.
func NewSQLQueries(db *sql.DB) *SQLQueries {
	return &SQLQueries{db: db}
}

// MatchDrivers calls match_drivers_for_trip for the given search record.
func (q *SQLQueries) MatchDrivers(ctx context.Context, recordID string, p Params) ([]models.MatchResult, error) {
	return q.query(ctx, "match_drivers_for_trip", recordID, p)
}

// MatchPassengers calls match_passengers_for_trip for the given search record.
func (q *SQLQueries) MatchPassengers(ctx context.Context, recordID string, p Params) ([]models.MatchResult, error) {
	return q.query(ctx, "match_passengers_for_trip", recordID, p)
}

func (q *SQLQueries) query(ctx context.Context, fn, recordID string, p Params) ([]models.MatchResult, error) {
	stmt := fmt.Sprintf(
		`SELECT trip_id, contact, ref_code, distance_km, matched_at, created_at FROM %s($1, $2, $3, $4, $5)`, fn)
	rows, err := q.db.QueryContext(ctx, stmt, recordID, p.ResultCap, p.IncludeDropoff, p.RadiusMeters, p.WindowDays)
	if err != nil {
		slog.Error("Ranking query failed", "function", fn, "recordID", recordID, "error", err)
		return nil, fmt.Errorf("ranking query %s failed: %w", fn, err)
	}
	defer rows.Close()

	var out []models.MatchResult
	for rows.Next() {
		var m models.MatchResult
		var distance sql.NullFloat64
		var matchedAt, createdAt sql.NullTime
		if err := rows.Scan(&m.TripID, &m.Contact, &m.RefCode, &distance, &matchedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ranking row: %w", err)
		}
		if distance.Valid {
			d := distance.Float64
			m.DistanceKm = &d
		}
		if matchedAt.Valid {
			t := matchedAt.Time
			m.MatchedAt = &t
		}
		if createdAt.Valid {
			t := createdAt.Time
			m.CreatedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Sort orders candidates in place: ascending distance with unknown
// distances last, then most recent first, then trip id as a stable
// tie-break.
func Sort(results []models.MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		di, dj := results[i].DistanceKm, results[j].DistanceKm
		switch {
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		case di != nil && dj != nil && *di != *dj:
			return *di < *dj
		}
		ri, rj := results[i].Recency(), results[j].Recency()
		if !ri.Equal(rj) {
			return ri.After(rj)
		}
		return results[i].TripID < results[j].TripID
	})
}

// Cap truncates the sorted results to at most n entries.
func Cap(results []models.MatchResult, n int) []models.MatchResult {
	if n >= 0 && len(results) > n {
		return results[:n]
	}
	return results
}

// WithRecord creates the search record, runs fn, and expires the record
// before returning. Expiry happens on every path, including fn failure; an
// expiry failure is logged and reported only when fn itself succeeded.
func WithRecord(ctx context.Context, st store.Store, rec models.SearchRecord, fn func(ctx context.Context) error) error {
	if err := st.CreateSearchRecord(rec); err != nil {
		return fmt.Errorf("failed to create search record: %w", err)
	}
	fnErr := fn(ctx)
	if err := st.ExpireSearchRecord(rec.ID); err != nil {
		slog.Error("Failed to expire search record", "recordID", rec.ID, "error", err)
		if fnErr == nil {
			return fmt.Errorf("failed to expire search record %s: %w", rec.ID, err)
		}
	}
	return fnErr
}
