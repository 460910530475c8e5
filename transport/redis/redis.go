// Package redis provides a Redis Streams-based transport implementation.
//
// Every subscription reads the event's stream with plain XREAD starting
// after the last entry present when it subscribed, so each subscriber sees
// every message published afterwards (broadcast). Messages are kept in the
// stream, optionally trimmed with MAXLEN.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/codec"
	"github.com/redis/go-redis/v9"
)

// Client defines the Redis operations used by the transport.
// Satisfied by *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultBlockTime  = 2 * time.Second
	DefaultBufferSize = 100
	DefaultPrefix     = "evt"
)

// dataField is the stream entry field holding the encoded message
const dataField = "data"

// errorBackoff is the pause after a failed XREAD before retrying
var errorBackoff = 500 * time.Millisecond

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status       int32
	client       Client
	codec        codec.Codec
	events       sync.Map // map[string]struct{}
	logger       *slog.Logger
	onError      func(error)
	streamPrefix string
	maxLen       int64
	blockTime    time.Duration
	bufferSize   int
}

type subscription struct {
	id       string
	event    string
	stream   string
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Redis transport with a pre-initialized client
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:       1,
		client:       client,
		codec:        codec.Default(),
		logger:       transport.Logger("transport>redis"),
		onError:      func(error) {},
		streamPrefix: DefaultPrefix,
		blockTime:    DefaultBlockTime,
		bufferSize:   DefaultBufferSize,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) streamKey(name string) string {
	return t.streamPrefix + ":" + name
}

// RegisterEvent records the event; streams are created lazily by XADD.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name, "stream", t.streamKey(name))
	return nil
}

// UnregisterEvent forgets the event. The stream itself is left in place.
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

// Publish appends the encoded message to the event's stream
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

	args := &redis.XAddArgs{
		Stream: t.streamKey(name),
		Values: map[string]any{dataField: data},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		t.onError(err)
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID(), "stream_id", id)
	return nil
}

// Subscribe starts reading the event's stream after its current last entry
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	stream := t.streamKey(name)
	lastID, err := t.lastEntryID(ctx, stream)
	if err != nil {
		return nil, err
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       transport.NewID(),
		event:    name,
		stream:   stream,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		cancel:   cancel,
	}

	sub.wg.Add(1)
	go t.consume(readCtx, sub, lastID)

	t.logger.Debug("subscribed", "event", name, "subscriber", sub.id, "from", lastID)
	return sub, nil
}

// lastEntryID returns the ID of the newest stream entry, or "0-0" for an empty stream.
func (t *Transport) lastEntryID(ctx context.Context, stream string) (string, error) {
	msgs, err := t.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (t *Transport) consume(ctx context.Context, sub *subscription, lastID string) {
	defer sub.wg.Done()

	for {
		streams, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{sub.stream, lastID},
			Count:   int64(cap(sub.ch)) + 1,
			Block:   t.blockTime,
		}).Result()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.Warn("xread failed", "event", sub.event, "error", err)
			t.onError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msg, err := t.decodeEntry(sub.event, entry)
				if err != nil {
					t.onError(err)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case sub.ch <- msg:
				}
			}
		}
	}
}

func (t *Transport) decodeEntry(event string, entry redis.XMessage) (transport.Message, error) {
	var raw []byte
	switch v := entry.Values[dataField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, &transport.DecodeError{
			Err:   fmt.Errorf("entry %s has no %q field", entry.ID, dataField),
			Event: event,
		}
	}

	msg, err := t.codec.Decode(raw)
	if err != nil {
		return nil, &transport.DecodeError{RawData: raw, Err: err, Event: event}
	}
	return msg, nil
}

// Close stops the transport. The client is owned by the caller.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health pings Redis
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "redis ping failed: " + err.Error()
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Latency = time.Since(start)
	return result
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
	s.cancel()
	s.wg.Wait()
	close(s.ch)
	return nil
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
