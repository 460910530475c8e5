package channel

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventstream/transport"
)

// DefaultBufferSize is the per-subscriber buffer used when none is configured.
var DefaultBufferSize uint = 100

type options struct {
	bufferSize uint
	timeout    time.Duration
	onError    func(error)
	logger     *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithBufferSize sets the buffer size for subscriber channels.
// Zero makes every send block until the subscriber receives.
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithTimeout sets the timeout for sending to each subscriber.
// Set to 0 for no timeout (block indefinitely).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithErrorHandler sets the error handler callback.
// Called when transport encounters errors (e.g., send timeout).
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize: DefaultBufferSize,
		onError:    func(error) {},
		logger:     transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
