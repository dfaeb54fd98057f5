package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Event is the envelope for everything a chat session shows to its UI.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an event envelope.
func NewEvent(typ, sessionID, turnID string, payload any) (Event, error) {
	ev := Event{Type: typ, SessionID: sessionID, TurnID: turnID, Time: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrapf(err, "marshal %s payload", typ)
		}
		ev.Payload = b
	}
	return ev, nil
}

// SessionTopic is the topic carrying one session's UI events.
func SessionTopic(sessionID string) string {
	return "promptstorm.session." + sessionID
}

// Bus publishes session events and hands them to subscribers in publish order.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	backend    string
	closers    []func() error
	// prepare runs before each Subscribe, e.g. to position a consumer group.
	prepare func(ctx context.Context, topic string) error
}

// NewInMemoryBus returns a bus on watermill's go-channel pub/sub. Publish
// blocks until every subscriber has acked the message, which keeps a
// session's events in order and lets a slow UI push back on the producer.
func NewInMemoryBus(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = NewWatermillLogger(log.Logger)
	}
	gc := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &Bus{publisher: gc, subscriber: gc, backend: "memory", closers: []func() error{gc.Close}}
}

// NewBus wraps an arbitrary publisher/subscriber pair.
func NewBus(backend string, pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		backend:    backend,
		closers:    []func() error{pub.Close, sub.Close},
	}
}

func (b *Bus) Backend() string { return b.backend }

// Publish sends ev on topic.
func (b *Bus) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	if ev.TurnID != "" {
		msg.Metadata.Set("turn_id", ev.TurnID)
	}
	msg.SetContext(ctx)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Type)
	}
	return nil
}

// Subscription is a registered reader of one topic.
type Subscription struct {
	topic  string
	msgs   <-chan *message.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// Subscribe registers a reader of topic. Events published after Subscribe
// returns are delivered to Run. Cancelling ctx or calling Close ends it.
func (b *Bus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	if b.prepare != nil {
		if err := b.prepare(ctx, topic); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "prepare %s", topic)
		}
	}
	msgs, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	return &Subscription{topic: topic, msgs: msgs, ctx: ctx, cancel: cancel}, nil
}

// Run decodes events and calls handle for each, in order, until the
// subscription ends or handle returns an error. Messages are acked after
// handle returns so a blocking publisher sees the delivery.
func (s *Subscription) Run(handle func(Event) error) error {
	defer s.cancel()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case msg, ok := <-s.msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Str("topic", s.topic).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			herr := handle(ev)
			msg.Ack()
			if herr != nil {
				return herr
			}
		}
	}
}

func (s *Subscription) Close() { s.cancel() }

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
