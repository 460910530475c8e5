// Package nats provides a NATS Core pub/sub transport.
//
// NATS Core has at-most-once delivery semantics: messages are not persisted
// and are lost if no subscriber is connected when they are published. This
// matches the live, cold nature of event streams built on top of it.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/codec"
)

// ErrConnRequired is returned when no NATS connection is provided
var ErrConnRequired = errors.New("nats connection is required")

// DefaultBufferSize is the default per-subscription channel buffer.
var DefaultBufferSize = 100

// Transport implements transport.Transport using NATS Core pub/sub.
type Transport struct {
	status        int32
	conn          *nats.Conn
	codec         codec.Codec
	logger        *slog.Logger
	onError       func(error)
	subjectPrefix string
	bufferSize    int

	events sync.Map // map[string]struct{}
}

// subscription implements transport.Subscription for NATS Core
type subscription struct {
	id       string
	event    string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	sub      *nats.Subscription
	codec    codec.Codec
	onError  func(error)
	// sendMu keeps close(ch) from racing the NATS callback goroutine
	sendMu sync.RWMutex
}

// Option configures the NATS transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
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

// WithErrorHandler sets the error handler callback.
// Called for decode failures and dropped messages.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// WithSubjectPrefix prefixes every subject, e.g. "evt." -> "evt.order.created".
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) {
		t.subjectPrefix = prefix
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

// New creates a new NATS Core transport.
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &Transport{
		status:     1,
		conn:       conn,
		codec:      codec.Default(),
		logger:     transport.Logger("transport>nats"),
		onError:    func(error) {},
		bufferSize: DefaultBufferSize,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) subject(name string) string {
	return t.subjectPrefix + name
}

// RegisterEvent records the event; NATS subjects need no provisioning.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name)
	return nil
}

// UnregisterEvent forgets the event
func (t *Transport) UnregisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, ok := t.events.LoadAndDelete(name); !ok {
		return transport.ErrEventNotRegistered
	}

	t.logger.Debug("unregistered event", "event", name)
	return nil
}

// Publish encodes msg and publishes it on the event's subject (fire-and-forget)
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, ok := t.events.Load(name); !ok {
		return transport.ErrEventNotRegistered
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	if err := t.conn.Publish(t.subject(name), data); err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

// Subscribe creates a subscription to receive messages for an event
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := newSubscription(name, bufSize, t.codec, t.onError)

	natsSub, err := t.conn.Subscribe(t.subject(name), sub.handleMessage)
	if err != nil {
		return nil, err
	}
	sub.sub = natsSub

	t.logger.Debug("subscribed", "event", name, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport. The connection is owned by the caller.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the NATS connection
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

	status := t.conn.Status()
	result.Details["connection_status"] = status.String()
	if status != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "nats"
	result.Details["server_url"] = t.conn.ConnectedUrl()

	return result
}

func newSubscription(event string, bufSize int, c codec.Codec, onError func(error)) *subscription {
	return &subscription{
		id:       transport.NewID(),
		event:    event,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		codec:    c,
		onError:  onError,
	}
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
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.sendMu.Lock()
	close(s.ch)
	s.sendMu.Unlock()
	return err
}

func (s *subscription) handleMessage(msg *nats.Msg) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}

	decoded, err := s.codec.Decode(msg.Data)
	if err != nil {
		s.onError(&transport.DecodeError{RawData: msg.Data, Err: err, Event: s.event})
		return
	}

	// Non-blocking: NATS Core is at-most-once, a full buffer drops the message
	select {
	case <-s.closedCh:
	case s.ch <- decoded:
	default:
		s.onError(transport.ErrPublishTimeout)
	}
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
