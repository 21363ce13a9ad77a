// ABOUTME: Shared helpers for the state store
// ABOUTME: Slug derivation, payload hashing and human-readable elapsed times
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var slugRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases the value and collapses everything non-alphanumeric
// into single dashes, falling back when nothing survives.
func Slugify(value, fallback string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	normalized := strings.Trim(slugRE.ReplaceAllString(lowered, "-"), "-")
	if normalized == "" {
		return fallback
	}
	return normalized
}

// PayloadHash returns a stable sha256 hex digest of the payload. Keys are
// sorted by the JSON encoder so equal payloads hash equally.
func PayloadHash(payload map[string]any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// HumanElapsed renders the gap since the previous check-in for display.
func HumanElapsed(previous *time.Time, now time.Time) string {
	if previous == nil {
		return "first check-in"
	}
	seconds := int(now.Sub(*previous).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds since previous", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm since previous", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh since previous", hours)
	}
	return fmt.Sprintf("%dd since previous", hours/24)
}

// jsonList encodes a string slice for a JSONB column, never null.
func jsonList(items []string) []byte {
	if items == nil {
		items = []string{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return []byte("[]")
	}
	return encoded
}

// scanList decodes a JSONB column into a string slice.
func scanList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
