package main

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultUsername = "Anonymous"
	defaultRoom     = "general"

	maxNicknameLen = 24
	maxRoomLen     = 48
)

// Strict policy for nicknames and room names - display text only, no HTML.
var namePolicy = bluemonday.StrictPolicy()

// escapeText replaces the five HTML-significant characters with their
// entity equivalents. It is total and deterministic; escaping an already
// escaped string escapes the ampersands again, which is acceptable since
// nothing ever unescapes. Applied to displayed fields only, never to the
// transmitted payload.
func escapeText(s string) string {
	return html.EscapeString(s)
}

// normalizeNickname strips markup from a proposed nickname, caps its
// length and falls back to the default for empty input.
func normalizeNickname(s string) string {
	decoded := html.UnescapeString(s)
	out := strings.TrimSpace(namePolicy.Sanitize(decoded))
	if len(out) > maxNicknameLen {
		out = out[:maxNicknameLen]
	}
	if out == "" {
		return defaultUsername
	}
	return out
}

// normalizeRoom cleans a room name the same way; slashes are dropped so
// a room can never escape its graph path.
func normalizeRoom(s string) string {
	decoded := html.UnescapeString(s)
	out := strings.TrimSpace(namePolicy.Sanitize(decoded))
	out = strings.ReplaceAll(out, "/", "")
	if len(out) > maxRoomLen {
		out = out[:maxRoomLen]
	}
	if out == "" {
		return defaultRoom
	}
	return out
}
