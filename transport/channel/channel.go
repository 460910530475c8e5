// Package channel provides an in-memory transport implementation using Go channels.
//
// Channel transport is suitable for local pub/sub within a single process.
// It does NOT provide at-least-once delivery guarantees:
//
//   - Messages are lost on process crash or restart
//   - Messages may be dropped if WithTimeout is set and listeners are slow
//   - Messages published while an event has no subscribers are dropped
//
// It is the transport used by tests and by in-process bus sources.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventstream/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels
type Transport struct {
	status     int32
	events     sync.Map // map[string]*eventChannel
	bufferSize uint
	timeout    time.Duration
	logger     *slog.Logger
	onError    func(error)

	droppedCounter metric.Int64Counter
}

// eventChannel manages subscribers for a single event
type eventChannel struct {
	name        string
	mu          sync.RWMutex
	subscribers []*subscription // in subscription order
	closed      bool
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	ch       chan transport.Message
	ev       *eventChannel
	closed   int32
	closedCh chan struct{}
	// sendMu keeps close(ch) from racing an in-flight send
	sendMu sync.RWMutex
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.closedCh)
	if s.ev != nil {
		s.ev.remove(s)
	}
	s.sendMu.Lock()
	close(s.ch)
	s.sendMu.Unlock()
	return nil
}

func (ec *eventChannel) remove(sub *subscription) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, s := range ec.subscribers {
		if s == sub {
			ec.subscribers = append(ec.subscribers[:i:i], ec.subscribers[i+1:]...)
			return
		}
	}
}

func (ec *eventChannel) snapshot() ([]*subscription, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]*subscription(nil), ec.subscribers...), ec.closed
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("eventstream.transport.channel")
	droppedCounter, _ := meter.Int64Counter("eventstream.transport.channel.dropped",
		metric.WithDescription("Number of messages dropped by channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:         1,
		bufferSize:     o.bufferSize,
		timeout:        o.timeout,
		logger:         o.logger,
		onError:        o.onError,
		droppedCounter: droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// RegisterEvent creates resources for an event
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.events.LoadOrStore(name, &eventChannel{name: name}); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name)
	return nil
}

// UnregisterEvent cleans up event resources and closes all subscriptions
func (t *Transport) UnregisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	val, ok := t.events.LoadAndDelete(name)
	if !ok {
		return transport.ErrEventNotRegistered
	}

	t.closeEvent(ctx, val.(*eventChannel))
	t.logger.Debug("unregistered event", "event", name)
	return nil
}

func (t *Transport) closeEvent(ctx context.Context, ec *eventChannel) {
	ec.mu.Lock()
	ec.closed = true
	subs := ec.subscribers
	ec.subscribers = nil
	ec.mu.Unlock()

	for _, sub := range subs {
		sub.Close(ctx)
	}
}

// Publish sends a message to every subscriber of the event, in subscription order.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	val, ok := t.events.Load(name)
	if !ok {
		return transport.ErrEventNotRegistered
	}

	subs, closed := val.(*eventChannel).snapshot()
	if closed {
		return transport.ErrEventNotRegistered
	}

	if len(subs) == 0 {
		t.logger.Debug("dropping message, no subscribers", "event", name, "msg_id", msg.ID())
		t.recordDrop(ctx, name, "no_subscribers")
		return nil
	}

	for _, sub := range subs {
		if err := t.sendToSubscriber(ctx, sub, msg); err != nil {
			if errors.Is(err, transport.ErrPublishTimeout) {
				t.logger.Debug("message dropped due to timeout (subscriber too slow)",
					"event", name,
					"subscriber", sub.id,
					"msg_id", msg.ID())
				t.recordDrop(ctx, name, "timeout")
			} else {
				t.logger.Debug("failed to send to subscriber",
					"event", name,
					"subscriber", sub.id,
					"error", err)
			}
			t.onError(err)
		}
	}

	return nil
}

func (t *Transport) recordDrop(ctx context.Context, name, reason string) {
	if t.droppedCounter == nil {
		return
	}
	t.droppedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", name),
			attribute.String("reason", reason),
		))
}

func (t *Transport) sendToSubscriber(ctx context.Context, sub *subscription, msg transport.Message) error {
	sub.sendMu.RLock()
	defer sub.sendMu.RUnlock()

	if atomic.LoadInt32(&sub.closed) == 1 {
		return transport.ErrSubscriptionClosed
	}

	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			return transport.ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.closedCh:
			return transport.ErrSubscriptionClosed
		case sub.ch <- msg:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sub.closedCh:
		return transport.ErrSubscriptionClosed
	case sub.ch <- msg:
		return nil
	}
}

// Subscribe creates a subscription to receive messages for an event
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	val, ok := t.events.Load(name)
	if !ok {
		return nil, transport.ErrEventNotRegistered
	}
	ec := val.(*eventChannel)

	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = uint(subOpts.BufferSize)
	}

	sub := &subscription{
		id:       transport.NewID(),
		ch:       make(chan transport.Message, bufSize),
		ev:       ec,
		closedCh: make(chan struct{}),
	}

	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		return nil, transport.ErrEventNotRegistered
	}
	ec.subscribers = append(ec.subscribers, sub)
	ec.mu.Unlock()

	t.logger.Debug("added subscriber", "event", name, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport and all events
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.events.Range(func(key, value any) bool {
		t.events.Delete(key)
		t.closeEvent(ctx, value.(*eventChannel))
		return true
	})

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the channel transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var eventCount, totalSubscribers int
	t.events.Range(func(key, value any) bool {
		eventCount++
		subs, _ := value.(*eventChannel).snapshot()
		totalSubscribers += len(subs)
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "channel"
	result.Details["events"] = eventCount
	result.Details["subscribers"] = totalSubscribers
	result.Details["buffer_size"] = t.bufferSize

	return result
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
