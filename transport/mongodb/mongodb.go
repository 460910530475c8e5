// Package mongodb provides a MongoDB transport.
//
// Messages for every event live in one collection. Publish inserts a document
// and each subscription watches a change stream filtered to inserts for its
// event, so subscribers receive only messages published after they subscribed.
// Change streams require a replica set or sharded cluster.
//
// Document structure:
//
//	{
//	    "_id": "message-id",
//	    "event": "orders",
//	    "data": BinData(...),
//	    "created_at": ISODate("2024-01-15T10:30:00Z")
//	}
package mongodb

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
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrCollectionRequired is returned when New is called without a collection.
var ErrCollectionRequired = errors.New("mongodb collection is required")

// DefaultBufferSize is the default per-subscription channel buffer.
var DefaultBufferSize = 100

// ChangeStream is the part of *mongo.ChangeStream the transport consumes.
type ChangeStream interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// Collection is the part of *mongo.Collection the transport uses.
type Collection interface {
	InsertOne(ctx context.Context, doc any) error
	Watch(ctx context.Context, pipeline mongo.Pipeline) (ChangeStream, error)
	CreateIndexes(ctx context.Context, models []mongo.IndexModel) error
}

type driverCollection struct {
	coll *mongo.Collection
}

func (c driverCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c driverCollection) Watch(ctx context.Context, pipeline mongo.Pipeline) (ChangeStream, error) {
	return c.coll.Watch(ctx, pipeline)
}

func (c driverCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}

// Wrap adapts a driver collection to Collection.
func Wrap(coll *mongo.Collection) Collection {
	if coll == nil {
		return nil
	}
	return driverCollection{coll: coll}
}

// eventDoc is the stored message document
type eventDoc struct {
	ID        string    `bson:"_id"`
	Event     string    `bson:"event"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
}

// changeEvent is the subset of a change stream event the transport reads
type changeEvent struct {
	OperationType string    `bson:"operationType"`
	FullDocument  *eventDoc `bson:"fullDocument"`
}

// Transport implements transport.Transport on MongoDB
type Transport struct {
	status     int32
	coll       Collection
	codec      codec.Codec
	ttl        time.Duration
	bufferSize int
	retryDelay time.Duration
	events     sync.Map // map[string]struct{}
	logger     *slog.Logger
	onError    func(error)
}

type subscription struct {
	id     string
	event  string
	ch     chan transport.Message
	cancel context.CancelFunc
	done   chan struct{}
	closed int32
}

// New creates a MongoDB transport on the given collection.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
//	t, err := mongodb.New(mongodb.Wrap(client.Database("app").Collection("events")))
func New(coll Collection, opts ...Option) (*Transport, error) {
	if coll == nil {
		return nil, ErrCollectionRequired
	}

	t := &Transport{
		status:     1,
		coll:       coll,
		codec:      codec.Default(),
		bufferSize: DefaultBufferSize,
		retryDelay: time.Second,
		logger:     transport.Logger("transport>mongodb"),
		onError:    func(error) {},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Indexes returns the index models for the event collection.
//
// Returns:
//   - index on "event" for filtering
//   - TTL index on "created_at" (if TTL is configured)
func (t *Transport) Indexes() []mongo.IndexModel {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event", Value: 1}},
			Options: options.Index().SetName("event_name"),
		},
	}

	if t.ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(t.ttl.Seconds())).
				SetName("event_ttl"),
		})
	}

	return indexes
}

// EnsureIndexes creates the indexes returned by Indexes.
func (t *Transport) EnsureIndexes(ctx context.Context) error {
	return t.coll.CreateIndexes(ctx, t.Indexes())
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// RegisterEvent records the event name
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

// UnregisterEvent forgets the event name
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

// Publish inserts the encoded message
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

	doc := eventDoc{
		ID:        msg.ID(),
		Event:     name,
		Data:      data,
		CreatedAt: msg.Timestamp(),
	}
	if err := t.coll.InsertOne(ctx, doc); err != nil {
		t.onError(err)
		return fmt.Errorf("mongodb insert: %w", err)
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID())
	return nil
}

func (t *Transport) pipeline(name string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":      "insert",
			"fullDocument.event": name,
		}}},
	}
}

// Subscribe opens a change stream for the event's inserts
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

	// the change stream outlives the Subscribe call
	watchCtx, cancel := context.WithCancel(context.Background())
	cs, err := t.coll.Watch(watchCtx, t.pipeline(name))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongodb watch: %w", err)
	}

	sub := &subscription{
		id:     transport.NewID(),
		event:  name,
		ch:     make(chan transport.Message, bufSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.watchLoop(watchCtx, sub, cs)

	t.logger.Debug("subscribed", "event", name, "subscriber", sub.id)
	return sub, nil
}

// watchLoop drains change streams until ctx is cancelled, reopening the
// stream after errors.
func (t *Transport) watchLoop(ctx context.Context, sub *subscription, cs ChangeStream) {
	defer close(sub.done)
	defer close(sub.ch)

	for {
		if cs != nil {
			err := t.drain(ctx, sub, cs)
			cs.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				t.logger.Error("change stream error, reconnecting", "event", sub.event, "error", err)
				t.onError(err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.retryDelay):
		}

		var err error
		cs, err = t.coll.Watch(ctx, t.pipeline(sub.event))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.onError(err)
			cs = nil
		}
	}
}

func (t *Transport) drain(ctx context.Context, sub *subscription, cs ChangeStream) error {
	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			t.logger.Error("failed to decode change event", "error", err)
			continue
		}
		if ev.FullDocument == nil {
			continue
		}

		msg, err := t.codec.Decode(ev.FullDocument.Data)
		if err != nil {
			t.onError(&transport.DecodeError{RawData: ev.FullDocument.Data, Err: err, Event: sub.event})
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case sub.ch <- msg:
		}
	}
	return cs.Err()
}

// Close stops the transport. Open subscriptions keep running until closed.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
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
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
	_ ChangeStream           = (*mongo.ChangeStream)(nil)
)
