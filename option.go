package eventstream

import (
	"log/slog"

	"github.com/rbaliyan/eventstream/transport"
)

// DefaultStreamName is the name given to streams built by an Adapter
// without WithName.
const DefaultStreamName = "eventstream:AsStream"

// options adapter configuration
type options struct {
	name           string
	logger         *slog.Logger
	metricsEnabled bool
	tracingEnabled bool
}

// newOptions get adapter options with defaults applied
func newOptions(opts ...Option) *options {
	o := &options{
		name:           DefaultStreamName,
		logger:         transport.Logger("eventstream"),
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

// Option adapter options
type Option func(*options)

// WithName set the name of the streams built by the adapter
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger set logger for the adapter
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

// WithTracing enable/disable OpenTelemetry tracing of emitted values
func WithTracing(v bool) Option {
	return func(o *options) {
		o.tracingEnabled = v
	}
}
