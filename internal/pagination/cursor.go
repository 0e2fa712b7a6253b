// Package pagination provides keyset pagination over auto-increment ids.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor marks the last row a client has seen. Pages are ordered by id
// descending, so the next page holds rows with id < BeforeID.
type Cursor struct {
	BeforeID int64
}

// Encode returns an opaque cursor string for id.
func Encode(id int64) string {
	return base64.URLEncoding.EncodeToString([]byte("id:" + strconv.FormatInt(id, 10)))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	v, ok := strings.CutPrefix(string(raw), "id:")
	if !ok {
		return nil, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{BeforeID: id}, nil
}

// Bound returns the cursor's id bound, or 0 when c is nil (first page).
func (c *Cursor) Bound() int64 {
	if c == nil {
		return 0
	}
	return c.BeforeID
}

// ParseLimit reads a ?limit= value, clamping it to [1, MaxLimit].
func ParseLimit(s string) int {
	if s == "" {
		return DefaultLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage takes a slice of items (fetched with limit+1), the requested
// limit, and a function returning an item's id. Returns the trimmed items,
// next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, idOf func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(idOf(items[len(items)-1])), true
}
