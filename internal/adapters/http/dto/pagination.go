package dto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

const (
	// DefaultLimit is the page size when none is requested.
	DefaultLimit = 20

	// MaxLimit is the largest page a client may ask for.
	MaxLimit = 100
)

var (
	// ErrInvalidCursor is returned for cursors this server did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrNoCursor marks a first-page request.
	ErrNoCursor = errors.New("no cursor provided")
)

// PaginationRequest holds the paging query parameters.
type PaginationRequest struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit"  validate:"omitempty,gte=1,lte=100"`
}

// GetLimit returns Limit clamped to [1, MaxLimit], DefaultLimit when unset.
func (p *PaginationRequest) GetLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	default:
		return p.Limit
	}
}

// DecodeCursor decodes the request's cursor, or returns ErrNoCursor.
func (p *PaginationRequest) DecodeCursor() (Cursor, error) {
	return DecodeCursor(p.Cursor)
}

// Cursor marks a position in the local collection's stable order: the page
// continues after the record with id After. Category pins the filter the
// cursor was issued under.
type Cursor struct {
	After    string `json:"a"`
	Category string `json:"c,omitempty"`
}

// EncodeCursor renders c as an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}

	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, ErrNoCursor
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}

	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.After == "" {
		return Cursor{}, ErrInvalidCursor
	}

	return c, nil
}

// PaginatedResponse is one page of a listing.
type PaginatedResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// NewPaginatedResponse builds a page from up to limit+1 items; the extra item
// only signals that another page exists. next derives the cursor from the
// last item kept.
func NewPaginatedResponse[T any](items []T, limit int, next func(last T) Cursor) *PaginatedResponse[T] {
	page := &PaginatedResponse[T]{Items: items}

	if len(items) <= limit {
		if page.Items == nil {
			page.Items = []T{}
		}

		return page
	}

	page.Items = items[:limit]
	page.HasMore = true

	if limit > 0 && next != nil {
		page.NextCursor = EncodeCursor(next(page.Items[limit-1]))
	}

	return page
}
