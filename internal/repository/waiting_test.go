package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store/memory"
)

type waitingFixture struct {
	waiting  WaitingRepository
	sessions SessionRepository
}

func newWaitingFixture(t *testing.T) waitingFixture {
	t.Helper()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	return waitingFixture{
		waiting:  NewWaitingRepository(testLogger(), s),
		sessions: NewSessionRepository(testLogger(), s),
	}
}

func entry(id string, createdAt int64) entity.WaitingEntry {
	return entity.WaitingEntry{PlayerID: id, Nickname: id, CreatedAt: createdAt}
}

func TestWaitingRepository_Create(t *testing.T) {
	ctx := context.Background()
	fx := newWaitingFixture(t)

	// Given: alice is waiting
	require.NoError(t, fx.waiting.Create(ctx, entry("alice", 1)))

	// When: alice enqueues again
	err := fx.waiting.Create(ctx, entry("alice", 2))

	// Then: ErrAlreadyWaiting is returned and the first entry is kept
	require.ErrorIs(t, err, apperror.ErrAlreadyWaiting)

	stored, err := fx.waiting.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.CreatedAt)
}

func TestWaitingRepository_DeleteByID(t *testing.T) {
	ctx := context.Background()
	fx := newWaitingFixture(t)

	require.NoError(t, fx.waiting.Create(ctx, entry("alice", 1)))

	// When: the entry is deleted twice
	require.NoError(t, fx.waiting.DeleteByID(ctx, "alice"))
	require.NoError(t, fx.waiting.DeleteByID(ctx, "alice"))

	// Then: it is gone
	_, err := fx.waiting.GetByID(ctx, "alice")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestWaitingRepository_List(t *testing.T) {
	ctx := context.Background()
	fx := newWaitingFixture(t)

	// Given: entries created out of order, two sharing a timestamp
	require.NoError(t, fx.waiting.Create(ctx, entry("carol", 30)))
	require.NoError(t, fx.waiting.Create(ctx, entity.WaitingEntry{PlayerID: "dave", CreatedAt: 10, Seq: 2}))
	require.NoError(t, fx.waiting.Create(ctx, entity.WaitingEntry{PlayerID: "bob", CreatedAt: 10, Seq: 1}))
	require.NoError(t, fx.waiting.Create(ctx, entry("alice", 20)))

	// When: listing
	entries, err := fx.waiting.List(ctx)

	// Then: oldest first, ties broken by sequence
	require.NoError(t, err)

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PlayerID)
	}
	assert.Equal(t, []string{"bob", "dave", "alice", "carol"}, ids)
}

func TestWaitingRepository_Pair(t *testing.T) {
	t.Run("Pair consumes both entries and creates the session", func(t *testing.T) {
		ctx := context.Background()
		fx := newWaitingFixture(t)

		alice, bob := entry("alice", 2), entry("bob", 1)
		require.NoError(t, fx.waiting.Create(ctx, alice))
		require.NoError(t, fx.waiting.Create(ctx, bob))

		session := entity.NewGameSession("g1", alice.Player(), bob.Player(), 3)

		// When: alice pairs with bob
		require.NoError(t, fx.waiting.Pair(ctx, alice, bob, session))

		// Then: the queue is empty and the session exists
		entries, err := fx.waiting.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)

		stored, err := fx.sessions.GetByID(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, session, stored)
	})

	t.Run("Pair with a consumed opponent writes nothing", func(t *testing.T) {
		ctx := context.Background()
		fx := newWaitingFixture(t)

		alice, bob := entry("alice", 2), entry("bob", 1)
		require.NoError(t, fx.waiting.Create(ctx, alice))

		// When: bob has already left the queue
		err := fx.waiting.Pair(ctx, alice, bob, entity.NewGameSession("g1", alice.Player(), bob.Player(), 3))

		// Then: the race is lost and alice is still waiting
		require.ErrorIs(t, err, apperror.ErrPairingRaceLost)

		_, err = fx.waiting.GetByID(ctx, "alice")
		require.NoError(t, err)

		_, err = fx.sessions.GetByID(ctx, "g1")
		require.ErrorIs(t, err, apperror.ErrSessionNotFound)
	})

	t.Run("Concurrent pairings against one opponent have a single winner", func(t *testing.T) {
		ctx := context.Background()
		fx := newWaitingFixture(t)

		// Given: bob is the oldest entry and several players try to claim him
		bob := entry("bob", 1)
		require.NoError(t, fx.waiting.Create(ctx, bob))

		claimers := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
		for i, id := range claimers {
			require.NoError(t, fx.waiting.Create(ctx, entry(id, int64(10+i))))
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)

		for _, id := range claimers {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()

				self := entry(id, 0)
				err := fx.waiting.Pair(ctx, self, bob, entity.NewGameSession("g-"+id, self.Player(), bob.Player(), 100))
				if err == nil {
					mu.Lock()
					wins = append(wins, id)
					mu.Unlock()
					return
				}

				assert.True(t, errors.Is(err, apperror.ErrPairingRaceLost), "unexpected error: %v", err)
			}(id)
		}
		wg.Wait()

		// Then: exactly one claimer got bob
		require.Len(t, wins, 1)

		entries, err := fx.waiting.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, len(claimers)-1)
	})
}
