package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Player{ID: "alice", Nickname: "Alice"}
	bob   = Player{ID: "bob", Nickname: "Bob"}
)

func TestNewGameSession(t *testing.T) {
	// When: alice pairs with bob
	session := NewGameSession("g1", alice, bob, 1000)

	// Then: alice plays "o" and moves first on an empty board
	assert.Equal(t, SymbolO, session.Player1.Symbol)
	assert.Equal(t, SymbolX, session.Player2.Symbol)
	assert.Equal(t, SymbolO, session.Turn)
	assert.Equal(t, StatusActive, session.Player1.Status)
	assert.Equal(t, StatusActive, session.Player2.Status)
	assert.Equal(t, Board{}, session.Board)
	assert.True(t, session.IsPlaying())
	assert.Equal(t, int64(1), session.Version)
	require.NoError(t, session.Validate())
}

func TestGameSession_Slot(t *testing.T) {
	session := NewGameSession("g1", alice, bob, 1000)

	t.Run("Finds both participants", func(t *testing.T) {
		slot, ok := session.Slot("bob")
		require.True(t, ok)
		assert.Equal(t, SymbolX, slot.Symbol)

		slot, ok = session.SlotBySymbol(SymbolO)
		require.True(t, ok)
		assert.Equal(t, "alice", slot.ID)
	})

	t.Run("Strangers and empty ids are not participants", func(t *testing.T) {
		assert.False(t, session.Includes("carol"))
		assert.False(t, session.Includes(""))
	})
}

func TestGameSession_Clone(t *testing.T) {
	// Given: a session and its clone
	session := NewGameSession("g1", alice, bob, 1000)
	clone := session.Clone()

	// When: the clone is modified
	clone.Board[0] = SymbolO
	clone.Player1.Status = StatusLeft

	// Then: the original is untouched
	assert.Equal(t, SymbolEmpty, session.Board[0])
	assert.Equal(t, StatusActive, session.Player1.Status)
}

func TestGameSession_Validate(t *testing.T) {
	t.Run("Rejects participants sharing a symbol", func(t *testing.T) {
		session := NewGameSession("g1", alice, bob, 1000)
		session.Player2.Symbol = SymbolO

		require.ErrorIs(t, session.Validate(), ErrInvalidSession)
	})

	t.Run("Rejects a won line that is not on the board", func(t *testing.T) {
		session := NewGameSession("g1", alice, bob, 1000)
		session.Outcome = Won(Line{0, 1, 2})

		require.ErrorIs(t, session.Validate(), ErrInvalidSession)
	})

	t.Run("Rejects a missing turn while playing", func(t *testing.T) {
		session := NewGameSession("g1", alice, bob, 1000)
		session.Turn = SymbolEmpty

		require.ErrorIs(t, session.Validate(), ErrInvalidSession)
	})

	t.Run("Rejects a board where the second player is ahead", func(t *testing.T) {
		session := NewGameSession("g1", alice, bob, 1000)
		session.Board[4] = session.Player2.Symbol

		require.ErrorIs(t, session.Validate(), ErrInvalidSession)
	})

	t.Run("Rejects a board where the first player moved twice in a row", func(t *testing.T) {
		session := NewGameSession("g1", alice, bob, 1000)
		session.Board[0] = session.Player1.Symbol
		session.Board[4] = session.Player1.Symbol

		require.ErrorIs(t, session.Validate(), ErrInvalidSession)
	})

	t.Run("Accepts a finished game", func(t *testing.T) {
		session := NewGameSession("g1", alice, bob, 1000)
		session.Board = Board{SymbolO, SymbolO, SymbolO, SymbolX, SymbolX, SymbolEmpty, SymbolEmpty, SymbolEmpty, SymbolEmpty}
		session.Outcome = Won(Line{0, 1, 2})

		require.NoError(t, session.Validate())
	})
}

func TestGameSession_JSON(t *testing.T) {
	// Given: a won session
	session := NewGameSession("g1", alice, bob, 1000)
	session.Board = Board{SymbolO, SymbolO, SymbolO, SymbolX, SymbolX, SymbolEmpty, SymbolEmpty, SymbolEmpty, SymbolEmpty}
	session.Outcome = Won(Line{0, 1, 2})

	// When: encoding it for a client
	raw, err := json.Marshal(session)
	require.NoError(t, err)

	// Then: the outcome is the stored text form
	assert.Contains(t, string(raw), `"outcome":"Won:t1,t2,t3"`)

	var decoded GameSession
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, *session, decoded)
}

func TestWaitingEntry_Before(t *testing.T) {
	t.Run("Older entry first", func(t *testing.T) {
		older := WaitingEntry{PlayerID: "b", CreatedAt: 1}
		newer := WaitingEntry{PlayerID: "a", CreatedAt: 2}

		assert.True(t, older.Before(newer))
		assert.False(t, newer.Before(older))
	})

	t.Run("Equal timestamps fall back to seq then id", func(t *testing.T) {
		first := WaitingEntry{PlayerID: "b", CreatedAt: 1, Seq: 1}
		second := WaitingEntry{PlayerID: "a", CreatedAt: 1, Seq: 2}
		third := WaitingEntry{PlayerID: "c", CreatedAt: 1, Seq: 2}

		assert.True(t, first.Before(second))
		assert.True(t, second.Before(third))
	})
}
