// Package pagination provides cursor-based pagination utilities.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Encode returns an opaque cursor string for a chain height.
func Encode(height int64) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(height, 10)))
}

// Decode parses an opaque cursor string into a height.
// Returns (0, nil) for empty input: start from the beginning.
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	height, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || height < 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return height, nil
}

// ComputePage takes items fetched in ascending height order, the
// requested limit, and a function extracting each item's height.
// Returns the page, the next cursor, and a has_more flag.
func ComputePage[T any](items []T, limit int, height func(T) int64) ([]T, string, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(height(items[len(items)-1])), true
}
