// Package message provides the Message type carried by transports and handed
// to bus listeners as the raw event argument.
//
// This package is imported by both codec and transport packages to avoid circular
// dependencies while providing a unified message type.
package message

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Message is an event message that travels through the transport
type Message interface {
	// ID returns the unique message identifier
	ID() string
	// Source returns the source that published this message
	Source() string
	// Payload returns the message payload
	Payload() any
	// Metadata returns optional key-value metadata
	Metadata() map[string]string
	// Timestamp returns when the message was created
	Timestamp() time.Time
	// Context returns a context with trace information (if available)
	Context() context.Context
	// Ack acknowledges the message. Pass nil for success.
	Ack(error) error
}

type message struct {
	id        string
	source    string
	payload   any
	metadata  map[string]string
	timestamp time.Time
	span      trace.SpanContext
	ackFn     func(error) error
}

func (m *message) ID() string                  { return m.id }
func (m *message) Source() string              { return m.source }
func (m *message) Payload() any                { return m.payload }
func (m *message) Metadata() map[string]string { return m.metadata }
func (m *message) Timestamp() time.Time        { return m.timestamp }
func (m *message) Context() context.Context {
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}
func (m *message) Ack(err error) error {
	if m.ackFn != nil {
		return m.ackFn(err)
	}
	return nil
}

// New creates a new message stamped with the current time
func New(id, source string, payload any, metadata map[string]string, spanCtx trace.SpanContext) Message {
	return NewWithTimestamp(id, source, payload, metadata, spanCtx, time.Now())
}

// NewWithTimestamp creates a new message with an explicit creation time,
// used when decoding messages that carry their own timestamp.
func NewWithTimestamp(id, source string, payload any, metadata map[string]string, spanCtx trace.SpanContext, ts time.Time) Message {
	return &message{
		id:        id,
		source:    source,
		payload:   payload,
		metadata:  metadata,
		timestamp: ts,
		span:      spanCtx,
	}
}

// NewWithAck creates a message with an ack function.
// This is used by transports that commit offsets or delete entries on ack.
func NewWithAck(id, source string, payload any, metadata map[string]string, ts time.Time, ackFn func(error) error) Message {
	return &message{
		id:        id,
		source:    source,
		payload:   payload,
		metadata:  metadata,
		timestamp: ts,
		ackFn:     ackFn,
	}
}

// WithAck returns a copy of msg whose Ack calls ackFn.
func WithAck(msg Message, ackFn func(error) error) Message {
	m := &message{
		id:        msg.ID(),
		source:    msg.Source(),
		payload:   msg.Payload(),
		metadata:  msg.Metadata(),
		timestamp: msg.Timestamp(),
		span:      trace.SpanContextFromContext(msg.Context()),
		ackFn:     ackFn,
	}
	return m
}

var _ Message = (*message)(nil)
