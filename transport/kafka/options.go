package kafka

import (
	"log/slog"

	"github.com/rbaliyan/eventstream/transport/codec"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithTopicPrefix prefixes every topic name
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.topicPrefix = prefix
	}
}

// WithBufferSize sets the default subscription buffer size
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}
