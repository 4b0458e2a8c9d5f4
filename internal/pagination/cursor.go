// Package pagination implements keyset cursors over (created_at, id) ordered
// result sets, newest first.
package pagination

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = apperr.New(apperr.KindValidation, "invalid cursor")

// Cursor is the position of the last row a client has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether a row keyed (createdAt, id) comes after c in
// newest-first order, i.e. belongs on the next page.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage takes items fetched with limit+1, trims them to limit and
// returns the cursor for the next page, or "" when there is none.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id)
}
