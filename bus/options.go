package bus

import (
	"log/slog"

	"github.com/rbaliyan/eventstream"
	"github.com/rbaliyan/eventstream/idempotency"
	"github.com/rbaliyan/eventstream/transport"
)

// DefaultName is the source name stamped on published messages when
// WithName is not given.
const DefaultName = "eventstream"

type options struct {
	name           string
	bufferSize     int
	adapter        *eventstream.Adapter
	dedup          idempotency.Store
	logger         *slog.Logger
	metricsEnabled bool
	tracingEnabled bool
}

func newOptions(opts ...Option) *options {
	o := &options{
		name:           DefaultName,
		logger:         transport.Logger("bus"),
		metricsEnabled: true,
		tracingEnabled: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Option configures a Source
type Option func(*options)

// WithName sets the source name used as the Source of published messages
// and as the otel instrumentation scope.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithBufferSize overrides the transport's subscription buffer size.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithAdapter sets the adapter used by AsStream. Default is eventstream.Default().
func WithAdapter(a *eventstream.Adapter) Option {
	return func(o *options) {
		o.adapter = a
	}
}

// WithIdempotency drops messages whose key was already claimed in store.
// The key is the source name, event name and message ID, so sources with
// different names sharing a store do not suppress each other.
func WithIdempotency(store idempotency.Store) Option {
	return func(o *options) {
		o.dedup = store
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enable/disable OpenTelemetry metrics
func WithMetrics(v bool) Option {
	return func(o *options) {
		o.metricsEnabled = v
	}
}

// WithTracing enable/disable OpenTelemetry tracing
func WithTracing(v bool) Option {
	return func(o *options) {
		o.tracingEnabled = v
	}
}
