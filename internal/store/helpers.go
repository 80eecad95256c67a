package store

import (
	"database/sql"
	"strings"

	"github.com/motolink/waroute/internal/models"
)

// DetectDSNType reports "postgres" for postgres:// and key=value DSNs,
// otherwise "sqlite" (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanFavorite decodes one favorites row, returning ok=false when the stored
// geometry is unparseable (such rows are omitted rather than surfaced).
func scanFavorite(rows *sql.Rows) (models.Favorite, bool, error) {
	var f models.Favorite
	var address sql.NullString
	var geom string
	if err := rows.Scan(&f.ID, &f.OwnerID, &f.Kind, &f.Label, &address, &geom); err != nil {
		return f, false, err
	}
	f.Address = address.String
	coord, err := models.ParsePoint(geom)
	if err != nil {
		return f, false, nil
	}
	f.Lat, f.Lng = coord.Lat, coord.Lng
	return f, true, nil
}

// encodeOptionalPoint renders a nullable coordinate column.
func encodeOptionalPoint(c *models.Coord) interface{} {
	if c == nil {
		return nil
	}
	return models.EncodePoint(*c)
}
