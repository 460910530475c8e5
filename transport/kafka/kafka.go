// Package kafka provides a Kafka transport built on IBM/sarama.
//
// Publishing uses a SyncProducer keyed by message ID. Every subscription
// consumes all partitions of the event's topic starting at the newest offset,
// without a consumer group, so each subscriber sees every message published
// after it subscribed. Ordering is guaranteed per partition only.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/codec"
)

// Kafka transport errors
var (
	ErrProducerRequired = errors.New("kafka producer is required")
	ErrConsumerRequired = errors.New("kafka consumer is required")
)

// DefaultBufferSize is the default per-subscription channel buffer.
var DefaultBufferSize = 100

// Transport implements transport.Transport using Kafka
type Transport struct {
	status      int32
	producer    sarama.SyncProducer
	consumer    sarama.Consumer
	ownsClients bool
	codec       codec.Codec
	topicPrefix string
	bufferSize  int
	events      sync.Map // map[string]struct{}
	logger      *slog.Logger
	onError     func(error)
}

type subscription struct {
	id        string
	event     string
	ch        chan transport.Message
	closedCh  chan struct{}
	closed    int32
	consumers []sarama.PartitionConsumer
	wg        sync.WaitGroup
}

// New creates a Kafka transport from an existing producer and consumer.
// The caller keeps ownership of both.
func New(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...Option) (*Transport, error) {
	if producer == nil {
		return nil, ErrProducerRequired
	}
	if consumer == nil {
		return nil, ErrConsumerRequired
	}

	t := &Transport{
		status:     1,
		producer:   producer,
		consumer:   consumer,
		codec:      codec.Default(),
		bufferSize: DefaultBufferSize,
		logger:     transport.Logger("transport>kafka"),
		onError:    func(error) {},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// NewFromClient creates a producer and a consumer on client and builds a
// transport that closes them on Close. The client's producer config must have
// Producer.Return.Successes enabled, as SyncProducer requires.
func NewFromClient(client sarama.Client, opts ...Option) (*Transport, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	t, err := New(producer, consumer, opts...)
	if err != nil {
		producer.Close()
		consumer.Close()
		return nil, err
	}
	t.ownsClients = true
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) topicName(eventName string) string {
	return t.topicPrefix + eventName
}

// RegisterEvent records the event; topics are expected to exist or be auto-created.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if _, loaded := t.events.LoadOrStore(name, struct{}{}); loaded {
		return transport.ErrEventAlreadyExists
	}

	t.logger.Debug("registered event", "event", name, "topic", t.topicName(name))
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

// Publish sends the encoded message to the event's topic
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

	partition, offset, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topicName(name),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(t.codec.ContentType())},
		},
	})
	if err != nil {
		t.onError(err)
		return fmt.Errorf("kafka send %s: %w", t.topicName(name), err)
	}

	t.logger.Debug("published message", "event", name, "msg_id", msg.ID(),
		"partition", partition, "offset", offset)
	return nil
}

// Subscribe consumes every partition of the event's topic from the newest offset
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	if _, ok := t.events.Load(name); !ok {
		return nil, transport.ErrEventNotRegistered
	}

	topic := t.topicName(name)
	partitions, err := t.consumer.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("kafka partitions %s: %w", topic, err)
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	bufSize := t.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &subscription{
		id:       transport.NewID(),
		event:    name,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
	}

	for _, p := range partitions {
		pc, err := t.consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			sub.Close(ctx)
			return nil, fmt.Errorf("kafka consume %s/%d: %w", topic, p, err)
		}
		sub.consumers = append(sub.consumers, pc)
		sub.wg.Add(1)
		go t.consume(sub, pc)
	}

	t.logger.Debug("subscribed", "event", name, "subscriber", sub.id, "partitions", len(partitions))
	return sub, nil
}

func (t *Transport) consume(sub *subscription, pc sarama.PartitionConsumer) {
	defer sub.wg.Done()

	msgs, errs := pc.Messages(), pc.Errors()
	for msgs != nil || errs != nil {
		select {
		case <-sub.closedCh:
			return
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.logger.Warn("partition consumer error", "event", sub.event, "error", cerr)
			t.onError(cerr)
		case km, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			msg, err := t.codec.Decode(km.Value)
			if err != nil {
				t.onError(&transport.DecodeError{RawData: km.Value, Err: err, Event: sub.event})
				continue
			}
			select {
			case <-sub.closedCh:
				return
			case sub.ch <- msg:
			}
		}
	}
}

// Close stops the transport, closing the producer and consumer if it created them.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	var err error
	if t.ownsClients {
		err = errors.Join(t.producer.Close(), t.consumer.Close())
	}
	t.logger.Debug("transport closed")
	return err
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

	for _, pc := range s.consumers {
		pc.AsyncClose()
	}
	s.wg.Wait()
	close(s.ch)
	return nil
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
