package matchmaking

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/repository"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store/memory"
)

type fixture struct {
	queue    *Queue
	waiting  repository.WaitingRepository
	sessions repository.SessionRepository
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	waiting := repository.NewWaitingRepository(logger, s)
	sessions := repository.NewSessionRepository(logger, s)

	var tick atomic.Int64
	clock := func() time.Time {
		return time.UnixMilli(1700000000000 + tick.Add(1))
	}

	var ids atomic.Int64
	newID := func() string {
		return fmt.Sprintf("game-%d", ids.Add(1))
	}

	opts = append([]Option{WithClock(clock), WithIDGenerator(newID)}, opts...)

	return fixture{
		queue:    NewQueue(logger, waiting, sessions, opts...),
		waiting:  waiting,
		sessions: sessions,
	}
}

func player(id string) entity.Player {
	return entity.Player{ID: id, Nickname: id + "-nick"}
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// When: alice enqueues twice
	_, err := fx.queue.Enqueue(ctx, player("alice"))
	require.NoError(t, err)

	_, err = fx.queue.Enqueue(ctx, player("alice"))

	// Then: the second call is rejected
	require.ErrorIs(t, err, apperror.ErrAlreadyWaiting)
}

func TestQueue_Cancel(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.queue.Enqueue(ctx, player("alice"))
	require.NoError(t, err)

	// When: alice cancels twice
	require.NoError(t, fx.queue.Cancel(ctx, "alice"))
	require.NoError(t, fx.queue.Cancel(ctx, "alice"))

	// Then: she is no longer waiting and cannot pair
	entries, err := fx.waiting.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	session, err := fx.queue.TryPair(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestQueue_TryPair(t *testing.T) {
	t.Run("Alone in the queue", func(t *testing.T) {
		ctx := context.Background()
		fx := newFixture(t)

		_, err := fx.queue.Enqueue(ctx, player("alice"))
		require.NoError(t, err)

		session, err := fx.queue.TryPair(ctx, "alice")

		require.NoError(t, err)
		assert.Nil(t, session)
	})

	t.Run("Pairs with the oldest waiting player", func(t *testing.T) {
		ctx := context.Background()
		fx := newFixture(t)

		// Given: bob then carol are waiting, then alice joins
		for _, id := range []string{"bob", "carol", "alice"} {
			_, err := fx.queue.Enqueue(ctx, player(id))
			require.NoError(t, err)
		}

		// When: alice tries to pair
		session, err := fx.queue.TryPair(ctx, "alice")

		// Then: she plays o against bob and moves first
		require.NoError(t, err)
		require.NotNil(t, session)

		assert.Equal(t, "alice", session.Player1.ID)
		assert.Equal(t, entity.SymbolO, session.Player1.Symbol)
		assert.Equal(t, "bob", session.Player2.ID)
		assert.Equal(t, entity.SymbolX, session.Player2.Symbol)
		assert.Equal(t, entity.SymbolO, session.Turn)
		assert.True(t, session.IsPlaying())

		// And: only carol is left waiting
		entries, err := fx.waiting.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "carol", entries[0].PlayerID)

		stored, err := fx.sessions.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session, stored)
	})

	t.Run("Concurrent pairing never double books a player", func(t *testing.T) {
		ctx := context.Background()
		fx := newFixture(t, WithPairAttempts(10))

		ids := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}
		for _, id := range ids {
			_, err := fx.queue.Enqueue(ctx, player(id))
			require.NoError(t, err)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			sessions []*entity.GameSession
		)

		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()

				session, err := fx.queue.TryPair(ctx, id)
				assert.NoError(t, err)

				if session != nil {
					mu.Lock()
					sessions = append(sessions, session)
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		// Then: every player appears in at most one session
		seen := map[string]string{}
		for _, session := range sessions {
			for _, id := range []string{session.Player1.ID, session.Player2.ID} {
				prev, dup := seen[id]
				assert.False(t, dup, "player %s in sessions %s and %s", id, prev, session.ID)
				seen[id] = session.ID
			}
		}

		// And: paired players left the queue, unpaired ones are still waiting
		entries, err := fx.waiting.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, len(ids)-2*len(sessions))

		for _, entry := range entries {
			_, paired := seen[entry.PlayerID]
			assert.False(t, paired)
		}
	})
}

func TestQueue_WaitForMatch(t *testing.T) {
	t.Run("Returns once someone pairs with the waiter", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		fx := newFixture(t)

		_, err := fx.queue.Enqueue(ctx, player("bob"))
		require.NoError(t, err)

		result := make(chan *entity.GameSession, 1)
		go func() {
			session, err := fx.queue.WaitForMatch(ctx, "bob")
			assert.NoError(t, err)
			result <- session
		}()

		// When: alice joins and pairs
		time.Sleep(50 * time.Millisecond)
		_, err = fx.queue.Enqueue(ctx, player("alice"))
		require.NoError(t, err)

		paired, err := fx.queue.TryPair(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, paired)

		// Then: bob's wait ends with the same session
		select {
		case got := <-result:
			require.NotNil(t, got)
			assert.Equal(t, paired.ID, got.ID)
		case <-ctx.Done():
			t.Fatal("bob was never matched")
		}
	})

	t.Run("Finds a session created before the wait", func(t *testing.T) {
		ctx := context.Background()
		fx := newFixture(t)

		for _, id := range []string{"bob", "alice"} {
			_, err := fx.queue.Enqueue(ctx, player(id))
			require.NoError(t, err)
		}

		paired, err := fx.queue.TryPair(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, paired)

		got, err := fx.queue.WaitForMatch(ctx, "bob")

		require.NoError(t, err)
		assert.Equal(t, paired.ID, got.ID)
	})

	t.Run("Gives up when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		fx := newFixture(t)

		_, err := fx.queue.WaitForMatch(ctx, "nobody")

		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
