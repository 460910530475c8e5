package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/channel"
	"github.com/rbaliyan/eventstream/transport/codec"
	"github.com/rbaliyan/eventstream/transport/kafka"
	"github.com/rbaliyan/eventstream/transport/mongodb"
	natstransport "github.com/rbaliyan/eventstream/transport/nats"
	"github.com/rbaliyan/eventstream/transport/redis"
)

// ErrUnknownTransport is returned for a transport name evtap does not know.
var ErrUnknownTransport = errors.New("unknown transport")

// CloseFunc releases a transport and the connection behind it.
type CloseFunc func(context.Context) error

// TransportFactory builds the transport selected by cfg.
type TransportFactory func(ctx context.Context, cfg *Config) (transport.Transport, CloseFunc, error)

// NewTransport connects to the transport named by cfg.Transport.
func NewTransport(ctx context.Context, cfg *Config) (transport.Transport, CloseFunc, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	logger := transport.Logger("transport>" + cfg.Transport)
	onError := func(err error) {
		logger.Warn("transport error", "error", err)
	}

	switch cfg.Transport {
	case "channel":
		opts := []channel.Option{channel.WithLogger(logger), channel.WithErrorHandler(onError)}
		if cfg.BufferSize > 0 {
			opts = append(opts, channel.WithBufferSize(uint(cfg.BufferSize)))
		}
		t := channel.New(opts...)
		return t, t.Close, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
		}
		opts := []redis.Option{redis.WithCodec(c), redis.WithLogger(logger), redis.WithErrorHandler(onError)}
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithStreamPrefix(cfg.Prefix))
		}
		if cfg.BufferSize > 0 {
			opts = append(opts, redis.WithBufferSize(cfg.BufferSize))
		}
		t, err := redis.New(client, opts...)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return t, func(ctx context.Context) error {
			return errors.Join(t.Close(ctx), client.Close())
		}, nil

	case "nats":
		conn, err := nats.Connect(cfg.Addr, nats.Name(cfg.Source), nats.Timeout(cfg.Timeout))
		if err != nil {
			return nil, nil, fmt.Errorf("nats %s: %w", cfg.Addr, err)
		}
		opts := []natstransport.Option{
			natstransport.WithCodec(c),
			natstransport.WithLogger(logger),
			natstransport.WithErrorHandler(onError),
		}
		if cfg.Prefix != "" {
			opts = append(opts, natstransport.WithSubjectPrefix(cfg.Prefix))
		}
		if cfg.BufferSize > 0 {
			opts = append(opts, natstransport.WithBufferSize(cfg.BufferSize))
		}
		t, err := natstransport.New(conn, opts...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return t, func(ctx context.Context) error {
			err := t.Close(ctx)
			conn.Close()
			return err
		}, nil

	case "kafka":
		sc := sarama.NewConfig()
		sc.ClientID = cfg.Source
		sc.Producer.Return.Successes = true
		sc.Net.DialTimeout = cfg.Timeout
		client, err := sarama.NewClient([]string{cfg.Addr}, sc)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka %s: %w", cfg.Addr, err)
		}
		opts := []kafka.Option{kafka.WithCodec(c), kafka.WithLogger(logger), kafka.WithErrorHandler(onError)}
		if cfg.Prefix != "" {
			opts = append(opts, kafka.WithTopicPrefix(cfg.Prefix))
		}
		if cfg.BufferSize > 0 {
			opts = append(opts, kafka.WithBufferSize(cfg.BufferSize))
		}
		t, err := kafka.NewFromClient(client, opts...)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return t, func(ctx context.Context) error {
			return errors.Join(t.Close(ctx), client.Close())
		}, nil

	case "mongodb":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Addr).SetAppName(cfg.Source))
		if err != nil {
			return nil, nil, fmt.Errorf("mongodb %s: %w", cfg.Addr, err)
		}
		opts := []mongodb.Option{
			mongodb.WithCodec(c),
			mongodb.WithLogger(logger),
			mongodb.WithErrorHandler(onError),
			mongodb.WithTTL(cfg.Mongo.TTL),
		}
		if cfg.BufferSize > 0 {
			opts = append(opts, mongodb.WithBufferSize(cfg.BufferSize))
		}
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		t, err := mongodb.New(mongodb.Wrap(coll), opts...)
		if err == nil {
			err = t.EnsureIndexes(connectCtx)
		}
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return t, func(ctx context.Context) error {
			return errors.Join(t.Close(ctx), client.Disconnect(ctx))
		}, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
}
