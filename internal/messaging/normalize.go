package messaging

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/motolink/waroute/internal/models"
)

// CanonicalizePhone strips everything but digits from a phone-like
// identifier. An empty result means the identifier is unusable.
func CanonicalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize converts one raw Cloud API message into the internal shape. It
// never fails: anything it cannot classify comes back as
// MessageUnrecognized so the router can answer with the fallback menu.
func Normalize(raw models.RawMessage) models.IncomingMessage {
	msg := models.IncomingMessage{
		From: CanonicalizePhone(raw.From),
		Kind: models.MessageUnrecognized,
	}
	if ts, err := strconv.ParseInt(raw.Timestamp, 10, 64); err == nil {
		msg.Timestamp = ts
	}

	switch raw.Type {
	case "text":
		if raw.Text == nil || strings.TrimSpace(raw.Text.Body) == "" {
			return msg
		}
		msg.Kind = models.MessageText
		msg.Text = strings.TrimSpace(raw.Text.Body)

	case "interactive":
		if raw.Interactive == nil {
			return msg
		}
		switch {
		case raw.Interactive.ListReply != nil && raw.Interactive.ListReply.ID != "":
			msg.Kind = models.MessageListReply
			msg.SelectionID = raw.Interactive.ListReply.ID
		case raw.Interactive.ButtonReply != nil && raw.Interactive.ButtonReply.ID != "":
			msg.Kind = models.MessageButtonReply
			msg.SelectionID = raw.Interactive.ButtonReply.ID
		}

	case "location":
		if raw.Location == nil {
			return msg
		}
		lat, okLat := parseCoordinate(raw.Location.Latitude)
		lng, okLng := parseCoordinate(raw.Location.Longitude)
		if !okLat || !okLng {
			return msg
		}
		msg.Kind = models.MessageLocation
		msg.Latitude = lat
		msg.Longitude = lng

	case "image":
		if raw.Image != nil {
			msg.Kind = models.MessageMedia
			msg.MediaType = "image"
			msg.MediaID = raw.Image.ID
		}

	case "document":
		if raw.Document != nil {
			msg.Kind = models.MessageMedia
			msg.MediaType = "document"
			msg.MediaID = raw.Document.ID
		}
	}

	return msg
}

// parseCoordinate accepts a JSON number or a numeric string, and rejects
// non-finite values. The channel is inconsistent about which encoding it
// sends.
func parseCoordinate(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// RenderNumberedMenu flattens rows into a plain-text menu for channels that
// cannot render interactive lists. The returned index maps the user's
// numeric reply ("1", "2", ...) back to the row id.
func RenderNumberedMenu(body string, rows []models.ListRow) (string, map[string]string) {
	var b strings.Builder
	b.WriteString(body)
	index := make(map[string]string, len(rows))
	for i, row := range rows {
		n := strconv.Itoa(i + 1)
		index[n] = row.ID
		b.WriteString("\n")
		b.WriteString(n)
		b.WriteString(". ")
		b.WriteString(row.Title)
		if row.Description != "" {
			b.WriteString(" (")
			b.WriteString(row.Description)
			b.WriteString(")")
		}
	}
	b.WriteString("\n\nReply with a number.")
	return b.String(), index
}

// buttonsAsRows adapts reply buttons to list rows for numbered rendering.
func buttonsAsRows(buttons []models.Button) []models.ListRow {
	rows := make([]models.ListRow, len(buttons))
	for i, btn := range buttons {
		rows[i] = models.ListRow{ID: btn.ID, Title: btn.Title}
	}
	return rows
}
