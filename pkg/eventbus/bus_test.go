package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startSubscriber(t *testing.T, b *Bus, topic string, handle func(Event) error) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- sub.Run(handle) }()
	return cancel, done
}

func TestInMemoryBus_DeliversInPublishOrder(t *testing.T) {
	b := NewInMemoryBus(NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = b.Close() })
	topic := SessionTopic("s1")

	var mu sync.Mutex
	var got []uint64
	cancel, done := startSubscriber(t, b, topic, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Seq)
		return nil
	})

	for i := uint64(1); i <= 100; i++ {
		ev, err := NewEvent("turn.render", "s1", "t1", map[string]string{"html": "x"})
		require.NoError(t, err)
		ev.Seq = i
		require.NoError(t, b.Publish(context.Background(), topic, ev))
	}

	mu.Lock()
	require.Len(t, got, 100)
	for i, seq := range got {
		require.Equal(t, uint64(i+1), seq)
	}
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestInMemoryBus_PublishWaitsForHandler(t *testing.T) {
	b := NewInMemoryBus(NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = b.Close() })
	topic := SessionTopic("slow")

	release := make(chan struct{})
	handled := make(chan struct{}, 1)
	cancel, _ := startSubscriber(t, b, topic, func(ev Event) error {
		<-release
		handled <- struct{}{}
		return nil
	})
	defer cancel()

	published := make(chan struct{})
	go func() {
		ev, _ := NewEvent("turn.render", "slow", "t", nil)
		_ = b.Publish(context.Background(), topic, ev)
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish returned before the subscriber handled the event")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-handled
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not return after ack")
	}
}

func TestInMemoryBus_HandlerErrorEndsSubscription(t *testing.T) {
	b := NewInMemoryBus(NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = b.Close() })
	topic := SessionTopic("err")
	boom := errors.New("socket closed")

	_, done := startSubscriber(t, b, topic, func(Event) error { return boom })
	ev, err := NewEvent("hello", "err", "", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), topic, ev))
	require.ErrorIs(t, <-done, boom)

	// No subscriber left: publishing must not block.
	require.NoError(t, b.Publish(context.Background(), topic, ev))
}

func TestNewEvent_MarshalsPayload(t *testing.T) {
	ev, err := NewEvent("turn.state", "s", "t", map[string]any{"state": "completed"})
	require.NoError(t, err)
	require.Equal(t, "turn.state", ev.Type)
	require.False(t, ev.Time.IsZero())
	var p map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "completed", p["state"])
}
