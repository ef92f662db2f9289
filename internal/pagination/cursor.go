// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ClampLimit bounds a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Cursor is the (createdAt, id) key of the last row a caller has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Precedes reports whether a row keyed (createdAt, id) comes after the
// cursor in newest-first order, i.e. belongs on the next page.
func (c Cursor) Precedes(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// String returns the opaque wire form of the cursor.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 36) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes an opaque cursor. Empty input means the first page and
// yields a nil cursor.
func Parse(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Page is one slice of a listing plus the cursor for the next one.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// HasMore reports whether another page follows.
func (p Page[T]) HasMore() bool { return p.NextCursor != "" }

// Paginate trims rows fetched with limit+1 down to limit and derives the
// next cursor from the last row kept.
func Paginate[T any](rows []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return Page[T]{Items: rows, NextCursor: Cursor{CreatedAt: createdAt, ID: id}.String()}
}
