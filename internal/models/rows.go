package models

import "strings"

// Selectable rows across all domains encode as "<PREFIX>::<entityId>" so a
// selection handler can tell a favorites row from a match-result row without
// extra state lookups.
const (
	RowPrefixMatch    = "MTCH"
	RowPrefixFavorite = "FAV"
	RowPrefixAgent    = "AGENT"

	rowIDSeparator = "::"
)

// RowID joins a domain prefix and an entity id.
func RowID(prefix, id string) string {
	return prefix + rowIDSeparator + id
}

// SplitRowID splits a row id into its domain prefix and entity id. ok is
// false when the id does not follow the convention.
func SplitRowID(id string) (prefix, entityID string, ok bool) {
	prefix, entityID, ok = strings.Cut(id, rowIDSeparator)
	if !ok || prefix == "" || entityID == "" {
		return "", "", false
	}
	return prefix, entityID, true
}
