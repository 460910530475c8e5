package eventstream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rbaliyan/eventstream/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Adapter builds event streams. It is safe for concurrent use.
type Adapter struct {
	opts    *options
	metrics *metrics
	tracer  trace.Tracer
}

// New creates an adapter.
func New(opts ...Option) *Adapter {
	o := newOptions(opts...)
	a := &Adapter{opts: o}
	if o.metricsEnabled {
		a.metrics = newMetrics()
	}
	if o.tracingEnabled {
		a.tracer = otel.Tracer(instrumentationName)
	}
	return a
}

var defaultAdapter atomic.Pointer[Adapter]

func init() {
	defaultAdapter.Store(New())
}

// Default returns the adapter used by the package-level AsStream.
func Default() *Adapter {
	return defaultAdapter.Load()
}

// SetDefault replaces the default adapter. Call it once at startup.
// A nil adapter is ignored.
func SetDefault(a *Adapter) {
	if a != nil {
		defaultAdapter.Store(a)
	}
}

// AsStream builds a stream of src's eventName events with the default adapter.
// See Adapter.AsStream.
func AsStream(src Source, eventName string, args ...any) *stream.Stream[any] {
	return Default().AsStream(src, eventName, args...)
}

// AsStream builds a cold stream of src's eventName events.
//
// args is an optional selector followed by an optional transformer. When the
// first argument is a non-nil non-string and no second argument is given, the
// first argument is the transformer and the handler is not delegated.
//
// AsStream panics with an error wrapping ErrInvalidArgument when the arguments
// cannot be interpreted.
func (a *Adapter) AsStream(src Source, eventName string, args ...any) *stream.Stream[any] {
	selector, t := parseArgs(args)
	return a.Bind(src, eventName, selector, t)
}

// Bind builds a cold stream from explicit arguments. An empty selector means
// not delegated and a nil transformer emits the first raw event argument.
//
// Every activation registers a new listener with src.On and the matching
// teardown passes the same listener to src.Off. Errors from either are
// returned unchanged from Observe and Subscription.Close.
func (a *Adapter) Bind(src Source, eventName, selector string, t Transformer) *stream.Stream[any] {
	return stream.FromBinder(func(e stream.Emitter[any]) (stream.Unbinder, error) {
		l := NewListener(a.handler(e, eventName, selector, t))
		if err := src.On(eventName, selector, l); err != nil {
			return nil, err
		}

		a.metrics.recordActivated(eventName, selector)
		a.opts.logger.Debug("stream activated",
			"event", eventName, "selector", selector, "listener", l.ID())

		b := &Binding{
			Source:    src,
			EventName: eventName,
			Selector:  selector,
			Listener:  l,
			onUnbind: func(err error) {
				if err != nil {
					a.opts.logger.Warn("stream deactivation failed",
						"event", eventName, "selector", selector, "listener", l.ID(), "error", err)
					return
				}
				a.metrics.recordDeactivated(eventName, selector)
				a.opts.logger.Debug("stream deactivated",
					"event", eventName, "selector", selector, "listener", l.ID())
			},
		}
		return b.Unbind, nil
	}).SetName(a.opts.name)
}

func (a *Adapter) handler(e stream.Emitter[any], eventName, selector string, t Transformer) HandlerFunc {
	return func(this any, args ...any) {
		var v any
		if t != nil {
			v = t(this, args...)
		} else if len(args) > 0 {
			v = args[0]
		}

		ctx := context.Background()
		if a.tracer != nil {
			var span trace.Span
			ctx, span = a.tracer.Start(ctx, fmt.Sprintf("%s.emit", eventName),
				trace.WithAttributes(
					attribute.String("event", eventName),
					attribute.String("selector", selector),
				),
				trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()
		}

		e.Emit(v)
		a.metrics.recordEmitted(ctx, eventName, selector)
	}
}

// parseArgs splits the optional selector and transformer arguments.
func parseArgs(args []any) (string, Transformer) {
	if len(args) > 2 {
		panic(fmt.Errorf("%w: expected at most a selector and a transformer, got %d arguments",
			ErrInvalidArgument, len(args)))
	}

	var first, second any
	if len(args) > 0 {
		first = args[0]
	}
	if len(args) > 1 {
		second = args[1]
	}

	if present(first) && !isString(first) && !present(second) {
		return "", toTransformer(first)
	}

	var selector string
	if present(first) {
		s, ok := first.(string)
		if !ok {
			panic(fmt.Errorf("%w: selector must be a string, got %T", ErrInvalidArgument, first))
		}
		selector = s
	}

	var t Transformer
	if present(second) {
		t = toTransformer(second)
	}
	return selector, t
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// present reports whether v is a non-nil argument. Nil functions of the
// accepted transformer types count as absent.
func present(v any) bool {
	switch fn := v.(type) {
	case nil:
		return false
	case Transformer:
		return fn != nil
	case func(any, ...any) any:
		return fn != nil
	case func(any) any:
		return fn != nil
	}
	return true
}

func toTransformer(v any) Transformer {
	switch fn := v.(type) {
	case Transformer:
		return fn
	case func(any, ...any) any:
		return fn
	case func(any) any:
		return func(this any, args ...any) any {
			var first any
			if len(args) > 0 {
				first = args[0]
			}
			return fn(first)
		}
	}
	panic(fmt.Errorf("%w: unsupported transformer type %T", ErrInvalidArgument, v))
}
