package mongodb

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventstream/transport/codec"
)

// Option configures the MongoDB transport
type Option func(*Transport)

// WithCodec sets the codec used for the stored data field
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithTTL expires stored messages after ttl. Applied by EnsureIndexes.
// Default is 0 (no expiration).
func WithTTL(ttl time.Duration) Option {
	return func(t *Transport) {
		t.ttl = ttl
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

// WithRetryDelay sets the pause before a failed change stream is reopened
func WithRetryDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retryDelay = d
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
