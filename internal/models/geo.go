package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coord is a WGS84 coordinate pair.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both components are finite numbers.
func (c Coord) Valid() bool {
	return isFinite(c.Lat) && isFinite(c.Lng)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// EncodePoint renders a coordinate as well-known text, longitude first.
func EncodePoint(c Coord) string {
	return fmt.Sprintf("POINT(%s %s)",
		strconv.FormatFloat(c.Lng, 'f', -1, 64),
		strconv.FormatFloat(c.Lat, 'f', -1, 64))
}

// ParsePoint parses a well-known text point back into a coordinate. It
// accepts optional whitespace after POINT and requires finite components.
func ParsePoint(wkt string) (Coord, error) {
	s := strings.TrimSpace(wkt)
	if !strings.HasPrefix(s, "POINT") {
		return Coord{}, fmt.Errorf("not a point geometry: %q", wkt)
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "POINT"))
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return Coord{}, fmt.Errorf("malformed point geometry: %q", wkt)
	}
	parts := strings.Fields(s[1 : len(s)-1])
	if len(parts) != 2 {
		return Coord{}, fmt.Errorf("malformed point geometry: %q", wkt)
	}
	lng, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Coord{}, fmt.Errorf("invalid longitude in %q: %w", wkt, err)
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Coord{}, fmt.Errorf("invalid latitude in %q: %w", wkt, err)
	}
	c := Coord{Lat: lat, Lng: lng}
	if !c.Valid() {
		return Coord{}, fmt.Errorf("non-finite coordinates in %q", wkt)
	}
	return c, nil
}
