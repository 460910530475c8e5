// Package bus provides an eventstream.Source backed by a message transport.
//
// Registering the first listener for an event name subscribes to that event
// on the transport and starts one goroutine that delivers its messages in
// order. Removing the last listener closes the subscription.
//
// Listeners are invoked with this set to the event name and a single argument,
// the transport.Message. A selector filters messages by source and metadata,
// see Selector.
//
// Off marks the removed registrations so that a delivery in progress skips
// them. It does not wait for a listener that is already running, so a
// listener may call Off for itself; such a listener can still finish
// emitting the message it was handed.
//
// Example:
//
//	src := bus.New(channel.New(), bus.WithName("orders-api"))
//	defer src.Close(ctx)
//
//	amounts := src.AsStream("order.created", "[region=eu]", func(this any, args ...any) any {
//	    return args[0].(transport.Message).Payload()
//	})
//	sub, _ := amounts.Observe(func(v any) { fmt.Println(v) })
//	defer sub.Close()
//
//	src.Publish(ctx, "order.created", order, map[string]string{"region": "eu"})
package bus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventstream"
	"github.com/rbaliyan/eventstream/stream"
	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Source errors
var (
	ErrSourceClosed = errors.New("bus: source closed")
	ErrNoEventName  = errors.New("bus: no event name")
)

// Span attribute keys
const (
	spanKeyEventID     = "event.id"
	spanKeyEventName   = "event.name"
	spanKeyEventSource = "event.source"
)

type registration struct {
	selector string
	matcher  *Selector // nil when not filtered
	listener *eventstream.Listener
	removed  atomic.Bool
}

// eventState is one active event subscription
type eventState struct {
	name string
	sub  transport.Subscription
	regs []*registration // replaced, never modified in place
}

// Source is an eventstream.Source over a transport. It is safe for
// concurrent use.
type Source struct {
	tr   transport.Transport
	opts *options

	mu         sync.Mutex
	closed     bool
	events     map[string]*eventState
	registered map[string]bool

	tracer    trace.Tracer
	published metric.Int64Counter
	delivered metric.Int64Counter
	filtered  metric.Int64Counter
	dropped   metric.Int64Counter
}

var _ eventstream.Source = (*Source)(nil)

// New creates a source on tr. The source does not own tr; closing the source
// only closes its subscriptions.
func New(tr transport.Transport, opts ...Option) *Source {
	o := newOptions(opts...)
	s := &Source{
		tr:         tr,
		opts:       o,
		events:     make(map[string]*eventState),
		registered: make(map[string]bool),
	}

	if o.tracingEnabled {
		s.tracer = otel.Tracer(o.name)
	}
	if o.metricsEnabled {
		meter := otel.Meter(o.name)
		s.published, _ = meter.Int64Counter("eventstream.bus.published",
			metric.WithDescription("Total number of messages published"),
			metric.WithUnit("{message}"))
		s.delivered, _ = meter.Int64Counter("eventstream.bus.delivered",
			metric.WithDescription("Total number of listener invocations"),
			metric.WithUnit("{invocation}"))
		s.filtered, _ = meter.Int64Counter("eventstream.bus.filtered",
			metric.WithDescription("Total number of messages rejected by a listener selector"),
			metric.WithUnit("{message}"))
		s.dropped, _ = meter.Int64Counter("eventstream.bus.duplicates",
			metric.WithDescription("Total number of redelivered messages dropped"),
			metric.WithUnit("{message}"))
	}
	return s
}

// Name returns the source name.
func (s *Source) Name() string {
	return s.opts.name
}

// ensureRegistered registers name on the transport once. Caller holds s.mu.
func (s *Source) ensureRegistered(ctx context.Context, name string) error {
	if s.registered[name] {
		return nil
	}
	if err := s.tr.RegisterEvent(ctx, name); err != nil && !errors.Is(err, transport.ErrEventAlreadyExists) {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.registered[name] = true
	return nil
}

// On registers l for each space-separated event name in eventName.
// A non-empty selector is compiled first; an invalid one returns a
// *SelectorError and registers nothing.
func (s *Source) On(eventName, selector string, l *eventstream.Listener) error {
	names := strings.Fields(eventName)
	if len(names) == 0 {
		return ErrNoEventName
	}

	var m *Selector
	if selector != "" {
		var err error
		if m, err = Compile(selector); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}

	ctx := context.Background()
	var added []*registration
	for _, name := range names {
		st := s.events[name]
		if st == nil {
			var err error
			if st, err = s.subscribe(ctx, name); err != nil {
				toClose := s.removeLocked(names, func(r *registration) bool {
					return slices.Contains(added, r)
				})
				s.mu.Unlock()
				if cerr := s.closeStates(toClose); cerr != nil {
					s.opts.logger.Warn("rollback failed", "event", eventName, "error", cerr)
				}
				return err
			}
		}
		r := &registration{selector: selector, matcher: m, listener: l}
		st.regs = append(slices.Clip(st.regs), r)
		added = append(added, r)
	}
	s.mu.Unlock()

	s.opts.logger.Debug("registered listener",
		"event", eventName, "selector", selector, "listener", l.ID())
	return nil
}

// subscribe opens the transport subscription for name and starts its pump.
// Caller holds s.mu.
func (s *Source) subscribe(ctx context.Context, name string) (*eventState, error) {
	if err := s.ensureRegistered(ctx, name); err != nil {
		return nil, err
	}

	var subOpts []transport.SubscribeOption
	if s.opts.bufferSize > 0 {
		subOpts = append(subOpts, transport.WithBufferSize(s.opts.bufferSize))
	}
	sub, err := s.tr.Subscribe(ctx, name, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	st := &eventState{name: name, sub: sub}
	s.events[name] = st
	go s.pump(st)

	s.opts.logger.Debug("subscribed", "event", name, "subscription", sub.ID())
	return st, nil
}

// Off removes the registrations of l with selector for each event name in
// eventName; a nil listener removes all registrations with that selector.
// When an event has no registrations left its subscription is closed.
func (s *Source) Off(eventName, selector string, l *eventstream.Listener) error {
	names := strings.Fields(eventName)
	if len(names) == 0 {
		return ErrNoEventName
	}

	s.mu.Lock()
	toClose := s.removeLocked(names, func(r *registration) bool {
		return r.selector == selector && (l == nil || r.listener == l)
	})
	s.mu.Unlock()

	return s.closeStates(toClose)
}

// removeLocked drops the registrations of names matching del and returns the
// states left without registrations, already removed from s.events.
// Removed registrations are marked so an in-progress delivery skips them.
// Caller holds s.mu.
func (s *Source) removeLocked(names []string, del func(*registration) bool) []*eventState {
	var empty []*eventState
	for _, name := range names {
		st := s.events[name]
		if st == nil {
			continue
		}
		st.regs = slices.DeleteFunc(slices.Clone(st.regs), func(r *registration) bool {
			if del(r) {
				r.removed.Store(true)
				return true
			}
			return false
		})
		if len(st.regs) == 0 {
			delete(s.events, name)
			empty = append(empty, st)
		}
	}
	return empty
}

// closeStates closes the subscriptions of states. Caller must not hold s.mu.
func (s *Source) closeStates(states []*eventState) error {
	var errs []error
	for _, st := range states {
		if err := st.sub.Close(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", st.name, err))
		}
		s.opts.logger.Debug("unsubscribed", "event", st.name, "subscription", st.sub.ID())
	}
	return errors.Join(errs...)
}

func (s *Source) snapshot(st *eventState) []*registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return st.regs
}

// pump delivers one subscription's messages in order until it is closed.
func (s *Source) pump(st *eventState) {
	for msg := range st.sub.Messages() {
		s.deliver(st, msg)
	}
}

func (s *Source) deliver(st *eventState, msg transport.Message) {
	ctx := msg.Context()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, fmt.Sprintf("%s.deliver", st.name),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, msg.ID()),
				attribute.String(spanKeyEventName, st.name),
				attribute.String(spanKeyEventSource, msg.Source())),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	attrs := metric.WithAttributes(attribute.String("event", st.name))
	if s.duplicate(ctx, st.name, msg) {
		if s.dropped != nil {
			s.dropped.Add(ctx, 1, attrs)
		}
		if err := msg.Ack(nil); err != nil {
			s.opts.logger.Warn("ack failed", "event", st.name, "msg_id", msg.ID(), "error", err)
		}
		return
	}

	for _, r := range s.snapshot(st) {
		if r.removed.Load() {
			continue
		}
		if r.matcher != nil && !r.matcher.Match(msg) {
			if s.filtered != nil {
				s.filtered.Add(ctx, 1, attrs)
			}
			continue
		}
		r.listener.Handle(st.name, msg)
		if s.delivered != nil {
			s.delivered.Add(ctx, 1, attrs)
		}
	}

	if err := msg.Ack(nil); err != nil {
		s.opts.logger.Warn("ack failed", "event", st.name, "msg_id", msg.ID(), "error", err)
	}
}

// duplicate claims msg in the idempotency store and reports whether it was
// already claimed. A failing store lets the message through.
func (s *Source) duplicate(ctx context.Context, event string, msg transport.Message) bool {
	if s.opts.dedup == nil || msg.ID() == "" {
		return false
	}
	claimed, err := s.opts.dedup.Claim(ctx, s.opts.name+":"+event+":"+msg.ID())
	if err != nil {
		s.opts.logger.Warn("idempotency check failed", "event", event, "msg_id", msg.ID(), "error", err)
		return false
	}
	if !claimed {
		s.opts.logger.Debug("dropped duplicate", "event", event, "msg_id", msg.ID())
	}
	return !claimed
}

// Publish sends payload as a new message on eventName, registering the event
// on the transport first if needed.
func (s *Source) Publish(ctx context.Context, eventName string, payload any, metadata map[string]string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	err := s.ensureRegistered(ctx, eventName)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	id := transport.NewID()
	var spanCtx trace.SpanContext
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, fmt.Sprintf("%s.publish", eventName),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, id),
				attribute.String(spanKeyEventName, eventName),
				attribute.String(spanKeyEventSource, s.opts.name)),
			trace.WithSpanKind(trace.SpanKindProducer))
		spanCtx = span.SpanContext()
		defer span.End()
	}

	var meta map[string]string
	if metadata != nil {
		meta = maps.Clone(metadata)
	}

	if err := s.tr.Publish(ctx, eventName, message.New(id, s.opts.name, payload, meta, spanCtx)); err != nil {
		return err
	}

	if s.published != nil {
		s.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
	}
	return nil
}

// AsStream builds a stream of this source's events. See
// eventstream.Adapter.AsStream for the argument rules.
func (s *Source) AsStream(eventName string, args ...any) *stream.Stream[any] {
	a := s.opts.adapter
	if a == nil {
		a = eventstream.Default()
	}
	return a.AsStream(s, eventName, args...)
}

// Health reports the transport's health when it implements
// transport.HealthChecker.
func (s *Source) Health(ctx context.Context) *transport.HealthCheckResult {
	if hc, ok := s.tr.(transport.HealthChecker); ok {
		return hc.Health(ctx)
	}
	return &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		Message:   "transport does not report health",
		CheckedAt: time.Now(),
	}
}

// Close closes every open subscription. Further On and Publish calls fail
// with ErrSourceClosed.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	states := slices.Collect(maps.Values(s.events))
	s.events = make(map[string]*eventState)
	s.mu.Unlock()

	var errs []error
	for _, st := range states {
		if err := st.sub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", st.name, err))
		}
	}
	return errors.Join(errs...)
}
