// Package events publishes sync events on an in-process watermill pub/sub.
//
// Each event type is its own topic. Publishing never blocks on subscribers;
// with nobody subscribed an event is dropped.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/jsamuelsen/quotesync/internal/platform/logging"
	"github.com/jsamuelsen/quotesync/internal/ports"
)

// Metadata keys set on every message.
const (
	MetadataEventType     = "event_type"
	MetadataCorrelationID = "correlation_id"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Envelope is the JSON body of every published message.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Bus implements ports.EventPublisher on a watermill GoChannel.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
	now    func() time.Time
	closed atomic.Bool
}

// NewBus creates a bus. bufferSize is the per-subscriber output buffer.
func NewBus(logger *slog.Logger, bufferSize int64) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "events.Bus"))

	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: bufferSize},
			watermill.NewSlogLogger(logger),
		),
		logger: logger,
		now:    time.Now,
	}
}

// Publish implements ports.EventPublisher.
func (b *Bus) Publish(ctx context.Context, event ports.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event.EventType(), err)
	}

	env := Envelope{
		ID:         watermill.NewUUID(),
		Type:       event.EventType(),
		OccurredAt: b.now().UTC(),
		Payload:    payload,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}

	msg := message.NewMessage(env.ID, body)
	msg.Metadata.Set(MetadataEventType, env.Type)

	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set(MetadataCorrelationID, id)
	}

	if err := b.pubsub.Publish(env.Type, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", env.Type, err)
	}

	logging.Trace(ctx, b.logger, "event published",
		slog.String("event_type", env.Type),
		slog.String("event_id", env.ID))

	return nil
}

// Subscribe returns the raw message stream for one event type. The channel
// closes when ctx is cancelled or the bus is closed. Callers must Ack.
func (b *Bus) Subscribe(ctx context.Context, eventType string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, eventType)
}

// Consume delivers every event of eventType to handler on its own goroutine
// until ctx is cancelled. Handler errors are logged and the message is acked
// either way.
func (b *Bus) Consume(ctx context.Context, eventType string, handler Handler) error {
	messages, err := b.Subscribe(ctx, eventType)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", eventType, err)
	}

	go func() {
		for msg := range messages {
			b.deliver(ctx, msg, handler)
		}
	}()

	return nil
}

func (b *Bus) deliver(ctx context.Context, msg *message.Message, handler Handler) {
	defer msg.Ack()

	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		b.logger.WarnContext(ctx, "dropping undecodable event",
			slog.String("message_id", msg.UUID),
			slog.String("error", err.Error()))

		return
	}

	if id := msg.Metadata.Get(MetadataCorrelationID); id != "" {
		ctx = logging.WithCorrelationID(ctx, id)
	}

	if err := handler(ctx, env); err != nil {
		b.logger.WarnContext(ctx, "event handler failed",
			slog.String("event_type", env.Type),
			slog.String("event_id", env.ID),
			slog.String("error", err.Error()))
	}
}

// Close stops the bus and closes every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	return b.pubsub.Close()
}
