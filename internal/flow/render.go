package flow

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/motolink/waroute/internal/models"
)

// MaskPhone hides all but the last four digits of a contact number.
func MaskPhone(phone string) string {
	if len(phone) < 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}

// ChatLink builds a wa.me deep link with a prefilled message.
func ChatLink(phone, text string) string {
	return fmt.Sprintf("https://wa.me/%s?text=%s", phone, url.QueryEscape(text))
}

// DistanceLabel renders a distance for a result row: one decimal in km, or
// metres under a kilometre. Empty when the distance is unknown.
func DistanceLabel(distanceKm *float64) string {
	if distanceKm == nil {
		return ""
	}
	if *distanceKm >= 1 {
		return fmt.Sprintf("%.1f km", *distanceKm)
	}
	return fmt.Sprintf("%d m", int(*distanceKm*1000+0.5))
}

// TimeAgo renders a coarse recency label relative to now.
func TimeAgo(t, now time.Time) string {
	if t.IsZero() || now.Before(t) {
		return "just now"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// buildResultRow renders one match as a list row plus the state row that a
// later selection resolves against.
func buildResultRow(m models.MatchResult, now time.Time) (models.ListRow, models.NearbyRow) {
	ref := m.RefCode
	if ref == "" {
		ref = "---"
	}
	parts := []string{"Ref " + ref}
	if label := DistanceLabel(m.DistanceKm); label != "" {
		parts = append(parts, label)
	}
	parts = append(parts, "seen "+TimeAgo(m.Recency(), now))

	rowID := models.RowID(models.RowPrefixMatch, m.TripID)
	listRow := models.ListRow{
		ID:          rowID,
		Title:       MaskPhone(m.Contact),
		Description: strings.Join(parts, " • "),
	}
	stateRow := models.NearbyRow{
		ID:      rowID,
		Contact: m.Contact,
		Ref:     ref,
		TripID:  m.TripID,
	}
	return listRow, stateRow
}
