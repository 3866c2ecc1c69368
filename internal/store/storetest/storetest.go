// Package storetest holds the behavior every store adapter must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const eventTimeout = 5 * time.Second

// Factory returns an empty store. It is called once per sub-test.
type Factory func(t *testing.T) (context.Context, store.Store)

func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Read of a missing record is absent", func(t *testing.T) {
		ctx, s := newStore(t)

		_, err := s.Read(ctx, "games/missing")

		require.ErrorIs(t, err, store.ErrAbsent)
	})

	t.Run("WriteAtomic creates and merges fields", func(t *testing.T) {
		ctx, s := newStore(t)

		// Given: a record with two fields
		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"turn": "o", "t1": ""}))

		// When: one field is changed and another added
		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"t1": "o", "turn": "x", "version": "2"}))

		// Then: the record holds the merge of both writes
		record, err := s.Read(ctx, "games/g1")
		require.NoError(t, err)
		assert.Equal(t, store.Record{"turn": "x", "t1": "o", "version": "2"}, record)
	})

	t.Run("Invalid paths and empty transactions are rejected", func(t *testing.T) {
		ctx, s := newStore(t)

		require.ErrorIs(t, s.WriteAtomic(ctx, "games", store.Record{"a": "b"}), store.ErrInvalidPath)
		require.ErrorIs(t, s.WriteAtomic(ctx, "games/g1", store.Record{}), store.ErrInvalidTxn)
		require.ErrorIs(t, s.Commit(ctx, store.Txn{}), store.ErrInvalidTxn)
	})

	t.Run("Remove is idempotent", func(t *testing.T) {
		ctx, s := newStore(t)

		require.NoError(t, s.WriteAtomic(ctx, "waitingRooms/p1", store.Record{"nickname": "P1"}))

		require.NoError(t, s.Remove(ctx, "waitingRooms/p1"))
		require.NoError(t, s.Remove(ctx, "waitingRooms/p1"))

		_, err := s.Read(ctx, "waitingRooms/p1")
		require.ErrorIs(t, err, store.ErrAbsent)
	})

	t.Run("Children lists the records of one parent", func(t *testing.T) {
		ctx, s := newStore(t)

		require.NoError(t, s.WriteAtomic(ctx, "waitingRooms/p1", store.Record{"nickname": "P1"}))
		require.NoError(t, s.WriteAtomic(ctx, "waitingRooms/p2", store.Record{"nickname": "P2"}))
		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"turn": "o"}))
		require.NoError(t, s.Remove(ctx, "waitingRooms/p2"))

		children, err := s.Children(ctx, "waitingRooms")
		require.NoError(t, err)
		assert.Equal(t, map[string]store.Record{"p1": {"nickname": "P1"}}, children)

		empty, err := s.Children(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Absent condition admits one writer", func(t *testing.T) {
		ctx, s := newStore(t)

		txn := func(nickname string) store.Txn {
			return store.Txn{
				Conditions: []store.Condition{store.Absent("waitingRooms/p1")},
				Writes:     []store.Write{{Path: "waitingRooms/p1", Fields: store.Record{"nickname": nickname}}},
			}
		}

		require.NoError(t, s.Commit(ctx, txn("first")))
		require.ErrorIs(t, s.Commit(ctx, txn("second")), store.ErrConditionFailed)

		record, err := s.Read(ctx, "waitingRooms/p1")
		require.NoError(t, err)
		assert.Equal(t, "first", record["nickname"])
	})

	t.Run("Failed condition applies nothing", func(t *testing.T) {
		ctx, s := newStore(t)

		// Given: only one of the two entries exists
		require.NoError(t, s.WriteAtomic(ctx, "waitingRooms/p1", store.Record{"nickname": "P1"}))

		// When: a transaction requires both
		err := s.Commit(ctx, store.Txn{
			Conditions: []store.Condition{store.Exists("waitingRooms/p1"), store.Exists("waitingRooms/p2")},
			Writes:     []store.Write{{Path: "games/g1", Fields: store.Record{"turn": "o"}}},
			Removes:    []string{"waitingRooms/p1", "waitingRooms/p2"},
		})

		// Then: it fails and neither the write nor the removes happened
		require.ErrorIs(t, err, store.ErrConditionFailed)

		_, err = s.Read(ctx, "games/g1")
		require.ErrorIs(t, err, store.ErrAbsent)
		_, err = s.Read(ctx, "waitingRooms/p1")
		require.NoError(t, err)
	})

	t.Run("Field equals condition guards a write", func(t *testing.T) {
		ctx, s := newStore(t)

		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"version": "1"}))

		move := func(from, to string) error {
			return s.Commit(ctx, store.Txn{
				Conditions: []store.Condition{store.FieldEquals("games/g1", "version", from)},
				Writes:     []store.Write{{Path: "games/g1", Fields: store.Record{"version": to}}},
			})
		}

		require.NoError(t, move("1", "2"))
		require.ErrorIs(t, move("1", "2"), store.ErrConditionFailed)
		require.ErrorIs(t, s.Commit(ctx, store.Txn{
			Conditions: []store.Condition{store.FieldEquals("games/missing", "version", "1")},
			Writes:     []store.Write{{Path: "games/missing", Fields: store.Record{"version": "2"}}},
		}), store.ErrConditionFailed)

		record, err := s.Read(ctx, "games/g1")
		require.NoError(t, err)
		assert.Equal(t, "2", record["version"])
	})

	t.Run("Concurrent claims of one record have a single winner", func(t *testing.T) {
		ctx, s := newStore(t)

		require.NoError(t, s.WriteAtomic(ctx, "waitingRooms/p1", store.Record{"nickname": "P1"}))

		const claimers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup

		for i := range claimers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				err := s.Commit(ctx, store.Txn{
					Conditions: []store.Condition{store.Exists("waitingRooms/p1")},
					Writes:     []store.Write{{Path: fmt.Sprintf("games/g%d", i), Fields: store.Record{"player2Id": "p1"}}},
					Removes:    []string{"waitingRooms/p1"},
				})
				if err == nil {
					wins.Add(1)
					return
				}
				assert.ErrorIs(t, err, store.ErrConditionFailed)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())

		games, err := s.Children(ctx, "games")
		require.NoError(t, err)
		assert.Len(t, games, 1)
	})

	t.Run("Subscribers see added, changed and removed children in order", func(t *testing.T) {
		ctx, s := newStore(t)

		added := make(chan store.Event, 8)
		changed := make(chan store.Event, 8)
		removed := make(chan store.Event, 8)

		subAdded, err := store.OnChildAdded(ctx, s, "games", func(ev store.Event) { added <- ev })
		require.NoError(t, err)
		t.Cleanup(subAdded.Unsubscribe)

		subChanged, err := store.OnChildChanged(ctx, s, "games", func(ev store.Event) { changed <- ev })
		require.NoError(t, err)
		t.Cleanup(subChanged.Unsubscribe)

		subRemoved, err := s.Subscribe(ctx, "games", store.ChildRemoved, func(ev store.Event) { removed <- ev })
		require.NoError(t, err)
		t.Cleanup(subRemoved.Unsubscribe)

		// When: a child is created, changed twice and removed
		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"turn": "o", "version": "1"}))
		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"turn": "x", "version": "2"}))
		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"turn": "o", "version": "3"}))
		require.NoError(t, s.Remove(ctx, "games/g1"))
		require.NoError(t, s.WriteAtomic(ctx, "waitingRooms/p1", store.Record{"nickname": "P1"}))

		// Then: each subscriber gets full records of its kind, in commit order
		ev := receive(t, added)
		assert.Equal(t, store.Event{Kind: store.ChildAdded, Parent: "games", Key: "g1", Record: store.Record{"turn": "o", "version": "1"}}, ev)

		ev = receive(t, changed)
		assert.Equal(t, store.Record{"turn": "x", "version": "2"}, ev.Record)
		ev = receive(t, changed)
		assert.Equal(t, store.Record{"turn": "o", "version": "3"}, ev.Record)

		ev = receive(t, removed)
		assert.Equal(t, store.ChildRemoved, ev.Kind)
		assert.Equal(t, "g1", ev.Key)

		assert.Never(t, func() bool { return len(added) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	})

	t.Run("Unsubscribe stops notifications", func(t *testing.T) {
		ctx, s := newStore(t)

		events := make(chan store.Event, 8)
		sub, err := store.OnChildAdded(ctx, s, "games", func(ev store.Event) { events <- ev })
		require.NoError(t, err)

		require.NoError(t, s.WriteAtomic(ctx, "games/g1", store.Record{"turn": "o"}))
		receive(t, events)

		sub.Unsubscribe()
		// A blocking adapter may still deliver an event read before the cancellation.
		time.Sleep(100 * time.Millisecond)
		drain(events)

		require.NoError(t, s.WriteAtomic(ctx, "games/g2", store.Record{"turn": "o"}))
		assert.Never(t, func() bool { return len(events) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
	})
}

func receive(t *testing.T, events <-chan store.Event) store.Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for a store event")
		return store.Event{}
	}
}

func drain(events <-chan store.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
