// Package ports defines interfaces for external dependencies.
// Ports are contracts that adapters implement, allowing the application layer
// to depend on abstractions rather than concrete implementations.
//
// Port Design Principles:
//   - Context as first parameter (always) for cancellation and deadlines
//   - Return domain types, never external DTOs or infrastructure types
//   - Error returns use domain error types (NetworkError, StorageError, etc.)
//   - Keep interfaces small and focused
package ports

import (
	"context"

	"github.com/jsamuelsen/quotesync/internal/domain"
)

// RemoteCollection is the server-side copy of the quote collection.
//
// Key considerations for adapters:
//   - Respect context deadlines; a timed-out call is a *domain.NetworkError
//   - Map transport and status failures to *domain.NetworkError
//   - Map undecodable payloads to *domain.ParseError
//   - Return records in the remote namespace (domain.RemoteID)
type RemoteCollection interface {
	// Pull fetches at most limit records. Every returned record is
	// Synced, Source=Remote, Category=domain.RemoteCategory.
	Pull(ctx context.Context, limit int) ([]domain.Quote, error)

	// Push sends one record and returns the raw id the remote assigned to it.
	Push(ctx context.Context, q domain.Quote) (string, error)
}

// KeyValueStore is the durable backing for the record store. Values are
// opaque byte strings; the store never interprets them.
type KeyValueStore interface {
	// Get returns the stored value.
	// Returns domain.ErrNotFound if the key has never been written.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// SetAll overwrites every entry in one write. Backends that support
	// transactions apply it atomically.
	SetAll(ctx context.Context, entries map[string][]byte) error

	// Close releases the underlying resources.
	Close() error
}

// EventPublisher defines the contract for publishing sync events.
// Publishing is best-effort; callers log failures and carry on.
type EventPublisher interface {
	// Publish sends an event to the configured destination.
	Publish(ctx context.Context, event Event) error
}

// Event represents a domain event that can be published.
type Event interface {
	// EventType returns the type identifier for routing.
	EventType() string

	// Payload returns the event data for serialization.
	Payload() any
}
