// Package transport provides shared types and interfaces for the message
// transports that back a bus event source.
//
// Transport implementations (channel, redis, nats, kafka, mongo) import this
// package rather than the bus package to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/eventstream/transport/codec"
	"github.com/rbaliyan/eventstream/transport/message"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrEventNotRegistered = errors.New("event not registered")
	ErrEventAlreadyExists = errors.New("event already registered")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrPublishTimeout     = errors.New("publish timeout")
)

// DecodeError represents a message that failed to decode.
type DecodeError struct {
	RawData []byte // The raw message data that failed to decode
	Err     error  // The decode error
	Event   string // Event the data was received for
}

func (e *DecodeError) Error() string {
	return "decode error on " + e.Event + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// to provide health check capabilities.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}

// SubscribeOptions configures subscription behavior
type SubscribeOptions struct {
	// BufferSize overrides the default message channel buffer size.
	// Zero uses the transport's default buffer size.
	BufferSize int
}

// SubscribeOption is a functional option for configuring subscriptions
type SubscribeOption func(*SubscribeOptions)

// WithBufferSize sets the message channel buffer size.
func WithBufferSize(size int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BufferSize = size
	}
}

// ApplySubscribeOptions applies functional options to SubscribeOptions
func ApplySubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	o := &SubscribeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Transport manages message delivery for events.
// Every subscriber of an event receives every message published after it
// subscribed.
type Transport interface {
	// RegisterEvent creates resources for an event (topic, channel, etc.)
	// Must be called before Publish or Subscribe
	RegisterEvent(ctx context.Context, name string) error

	// UnregisterEvent cleans up event resources and closes all subscriptions
	UnregisterEvent(ctx context.Context, name string) error

	// Publish sends a message to an event's subscribers.
	// Returns ErrEventNotRegistered if event not registered.
	Publish(ctx context.Context, name string, msg Message) error

	// Subscribe creates a subscription to receive messages for an event.
	// Returns ErrEventNotRegistered if event not registered.
	Subscribe(ctx context.Context, name string, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the transport and all events
	Close(ctx context.Context) error
}

// Subscription represents a subscriber's connection to an event
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Messages returns the channel to receive messages.
	// The channel is closed when the subscription is closed.
	Messages() <-chan Message

	// Close unsubscribes and closes the message channel
	Close(ctx context.Context) error
}

// Message is the message interface from the message package
type Message = message.Message

// Codec is the codec interface from the codec package
type Codec = codec.Codec

// DefaultCodec returns the default codec used by transports (JSON)
func DefaultCodec() Codec {
	return codec.Default()
}

var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
