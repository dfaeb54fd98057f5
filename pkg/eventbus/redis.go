package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSettings configures the Redis Streams backend.
type RedisSettings struct {
	Addr     string
	Group    string
	Consumer string
}

// NewRedisBus returns a bus on Redis Streams, so several server processes can
// serve the same sessions. Each process reads with its own consumer group.
func NewRedisBus(ctx context.Context, s RedisSettings, logger watermill.LoggerAdapter) (*Bus, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis event bus: empty address")
	}
	if s.Group == "" {
		s.Group = "promptstorm-" + watermill.NewShortUUID()
	}
	if s.Consumer == "" {
		s.Consumer = "ui-" + watermill.NewShortUUID()
	}
	if logger == nil {
		logger = NewWatermillLogger(log.Logger)
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis event bus: ping %s", s.Addr)
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis event bus: publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis event bus: subscriber")
	}

	log.Info().Str("component", "eventbus").Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("using redis streams event bus")
	b := NewBus("redis", pub, sub)
	b.closers = append(b.closers, client.Close)
	b.prepare = func(ctx context.Context, topic string) error {
		return EnsureGroupAtTail(ctx, s.Addr, topic, s.Group)
	}
	return b, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a new subscriber does not replay old events.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
