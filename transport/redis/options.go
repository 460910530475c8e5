package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventstream/transport/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithStreamPrefix sets the prefix of stream keys ("evt" by default).
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.streamPrefix = prefix
		}
	}
}

// WithMaxLen caps stream length with approximate MAXLEN trimming on publish.
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithBlockTime sets the block time for XREAD
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
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
