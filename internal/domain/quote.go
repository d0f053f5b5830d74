// Package domain contains core business entities and rules.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Id namespaces. Local and remote ids never collide.
const (
	LocalIDPrefix  = "loc-"
	RemoteIDPrefix = "srv-"
)

// RemoteCategory is the category assigned to every record pulled from the remote collection.
const RemoteCategory = "Server"

// Source records where the current content of a record came from.
type Source int

const (
	// SourceLocal marks content authored on this device.
	SourceLocal Source = iota
	// SourceRemote marks content last confirmed by the remote collection.
	SourceRemote
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	switch s {
	case SourceLocal, SourceRemote:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown source %d", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "local":
		*s = SourceLocal
	case "remote":
		*s = SourceRemote
	default:
		return fmt.Errorf("unknown source %q", string(b))
	}

	return nil
}

// Quote is a single record in the collection.
// This is a domain entity - it has no knowledge of external systems.
type Quote struct {
	// ID is unique within the collection and namespaced by origin.
	ID string

	// Text is the quotation itself. Never blank.
	Text string

	// Category is a free-form label. Never blank.
	Category string

	// UpdatedAt is refreshed on every local or remote-driven change.
	UpdatedAt time.Time

	// Synced is true when the remote collection is believed to hold this content.
	Synced bool

	// Source tells whether the content was authored here or confirmed remotely.
	Source Source

	// PushAttempts counts consecutive failed pushes; reset on success or restore.
	PushAttempts int
}

// NewLocalID returns a fresh id in the local namespace.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// RemoteID maps a remote identifier into the local id space. The mapping is
// deterministic so repeated pulls of the same item land on the same record.
func RemoteID(raw string) string {
	return RemoteIDPrefix + raw
}

// IsRemoteID reports whether id belongs to the remote namespace.
func IsRemoteID(id string) bool {
	return strings.HasPrefix(id, RemoteIDPrefix)
}

// NewLocalQuote validates user input and builds an unsynced local record.
func NewLocalQuote(text, category string, now time.Time) (Quote, error) {
	text = strings.TrimSpace(text)
	category = strings.TrimSpace(category)

	if text == "" {
		return Quote{}, NewValidationError("text", "must not be empty")
	}

	if category == "" {
		return Quote{}, NewValidationError("category", "must not be empty")
	}

	return Quote{
		ID:        NewLocalID(),
		Text:      text,
		Category:  category,
		UpdatedAt: now,
		Synced:    false,
		Source:    SourceLocal,
	}, nil
}

// Validate checks the record invariants.
func (q Quote) Validate() error {
	switch {
	case q.ID == "":
		return NewValidationError("id", "must not be empty")
	case strings.TrimSpace(q.Text) == "":
		return NewValidationError("text", "must not be empty")
	case strings.TrimSpace(q.Category) == "":
		return NewValidationError("category", "must not be empty")
	case q.Source == SourceRemote && !q.Synced:
		return NewValidationErrorWithValue("synced", "remote record must be synced", q.ID)
	case q.Source != SourceLocal && q.Source != SourceRemote:
		return NewValidationErrorWithValue("source", "unknown source", int(q.Source))
	}

	return nil
}

// SameContent reports whether two records carry the same user-visible content.
func (q Quote) SameContent(other Quote) bool {
	return q.Text == other.Text && q.Category == other.Category
}

// PendingPush reports whether the record is waiting to be pushed.
func (q Quote) PendingPush() bool {
	return !q.Synced && q.Source == SourceLocal
}

// DefaultQuotes returns the seed collection used when no state has been stored yet.
func DefaultQuotes(now time.Time) []Quote {
	seeds := []struct{ text, category string }{
		{"The only limit to our realization of tomorrow is our doubts of today.", "Motivation"},
		{"In the middle of difficulty lies opportunity.", "Inspiration"},
		{"Life is what happens when you're busy making other plans.", "Life"},
	}

	out := make([]Quote, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, Quote{
			ID:        NewLocalID(),
			Text:      s.text,
			Category:  s.category,
			UpdatedAt: now,
			Source:    SourceLocal,
		})
	}

	return out
}
