package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []store.Event
}

func (that *recorder) handle(event store.Event) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.events = append(that.events, event)
}

func (that *recorder) keys() []string {
	that.mu.Lock()
	defer that.mu.Unlock()

	keys := make([]string, 0, len(that.events))
	for _, ev := range that.events {
		keys = append(keys, ev.Key)
	}

	return keys
}

func TestLocal_PublishSubscribe(t *testing.T) {
	t.Run("Delivers events of the parent in publish order", func(t *testing.T) {
		// Given: a subscriber of "games"
		bus := NewLocal()
		t.Cleanup(func() { _ = bus.Close() })

		rec := &recorder{}
		_, err := bus.Subscribe(context.Background(), "games", rec.handle)
		require.NoError(t, err)

		// When: events for "games" and another parent are published
		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, bus.Publish(context.Background(), store.Event{Kind: store.ChildAdded, Parent: "games", Key: key}))
		}
		require.NoError(t, bus.Publish(context.Background(), store.Event{Kind: store.ChildAdded, Parent: "waitingRooms", Key: "z"}))

		// Then: only the "games" events arrive, in order
		assert.Eventually(t, func() bool { return len(rec.keys()) == 3 }, waitFor, 10*time.Millisecond)
		assert.Equal(t, []string{"a", "b", "c"}, rec.keys())
	})

	t.Run("Unsubscribe stops delivery", func(t *testing.T) {
		// Given: a subscription that has been cancelled
		bus := NewLocal()
		t.Cleanup(func() { _ = bus.Close() })

		rec := &recorder{}
		sub, err := bus.Subscribe(context.Background(), "games", rec.handle)
		require.NoError(t, err)
		sub.Unsubscribe()
		sub.Unsubscribe()

		// When: an event is published
		require.NoError(t, bus.Publish(context.Background(), store.Event{Parent: "games", Key: "a"}))

		// Then: nothing is delivered
		assert.Never(t, func() bool { return len(rec.keys()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("Cancelling the subscribe context unsubscribes", func(t *testing.T) {
		bus := NewLocal()
		t.Cleanup(func() { _ = bus.Close() })

		ctx, cancel := context.WithCancel(context.Background())
		rec := &recorder{}
		_, err := bus.Subscribe(ctx, "games", rec.handle)
		require.NoError(t, err)

		cancel()

		assert.Eventually(t, func() bool {
			bus.mu.RLock()
			defer bus.mu.RUnlock()
			return len(bus.subs["games"]) == 0
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("Closed bus rejects publish and subscribe", func(t *testing.T) {
		bus := NewLocal()
		require.NoError(t, bus.Close())

		require.ErrorIs(t, bus.Publish(context.Background(), store.Event{Parent: "games"}), ErrClosed)
		_, err := bus.Subscribe(context.Background(), "games", func(store.Event) {})
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("A slow handler does not block publishers", func(t *testing.T) {
		// Given: a handler blocked until released
		bus := NewLocal()
		t.Cleanup(func() { _ = bus.Close() })

		release := make(chan struct{})
		_, err := bus.Subscribe(context.Background(), "games", func(store.Event) { <-release })
		require.NoError(t, err)

		// When: many events are published
		done := make(chan struct{})
		go func() {
			for range 100 {
				_ = bus.Publish(context.Background(), store.Event{Parent: "games"})
			}
			close(done)
		}()

		// Then: publishing completes while the handler is still blocked
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("publish blocked on a slow handler")
		}
		close(release)
	})
}
