package tictactoe

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

const (
	o = entity.SymbolO
	x = entity.SymbolX
	e = entity.SymbolEmpty
)

func newSession() *entity.GameSession {
	return entity.NewGameSession(
		"123",
		entity.Player{ID: "alice", Nickname: "Alice"},
		entity.Player{ID: "bob", Nickname: "Bob"},
		1000,
	)
}

// play applies the moves in order, alternating alice and bob.
func play(t *testing.T, session *entity.GameSession, moves ...entity.Position) *entity.GameSession {
	t.Helper()

	players := [2]string{"alice", "bob"}
	for i, pos := range moves {
		next, err := ApplyMove(session, players[i%2], pos)
		require.NoError(t, err)
		session = next
	}

	return session
}

func TestApplyMove(t *testing.T) {
	t.Run("Places the symbol and passes the turn", func(t *testing.T) {
		// Given: a new session where alice moves first
		session := newSession()

		// When: alice plays the center
		next, err := ApplyMove(session, "alice", 4)
		require.NoError(t, err)

		// Then: the center holds "o", bob is next and the version advanced
		assert.Equal(t, o, next.Board[4])
		assert.Equal(t, x, next.Turn)
		assert.True(t, next.IsPlaying())
		assert.Equal(t, session.Version+1, next.Version)

		// And: the input session is untouched
		assert.Equal(t, e, session.Board[4])
		assert.Equal(t, o, session.Turn)
	})

	t.Run("Completing a line wins", func(t *testing.T) {
		// Given: alice holds t1 and t2
		session := play(t, newSession(), 0, 3, 1, 4)

		// When: alice plays t3
		next, err := ApplyMove(session, "alice", 2)
		require.NoError(t, err)

		// Then: the session is won on the top row by alice
		assert.Equal(t, entity.Won(entity.Line{0, 1, 2}), next.Outcome)
		winner, ok := Winner(next)
		require.True(t, ok)
		assert.Equal(t, "alice", winner.ID)
	})

	t.Run("Filling the board without a line is a draw", func(t *testing.T) {
		// Given: eight moves without a winning line
		// o x o
		// o x x
		// x o _
		session := play(t, newSession(), 0, 1, 2, 4, 3, 5, 7, 6)
		require.True(t, session.IsPlaying())

		// When: alice fills the last cell
		next, err := ApplyMove(session, "alice", 8)
		require.NoError(t, err)

		// Then: the game is drawn
		assert.Equal(t, entity.Draw(), next.Outcome)
		_, ok := Winner(next)
		assert.False(t, ok)
	})

	t.Run("A win on the last cell is a win, not a draw", func(t *testing.T) {
		// Given:
		// o x o
		// x x o
		// x o _
		session := play(t, newSession(), 0, 1, 2, 3, 5, 4, 7, 6)

		// When: alice plays l3 completing the right column on a full board
		next, err := ApplyMove(session, "alice", 8)
		require.NoError(t, err)

		// Then: the outcome is a win
		assert.Equal(t, entity.Won(entity.Line{2, 5, 8}), next.Outcome)
	})

	t.Run("Two lines completed at once resolve to the first in fixed order", func(t *testing.T) {
		// Given:
		// _ o o
		// o x x
		// o x x
		session := play(t, newSession(), 1, 4, 2, 5, 3, 7, 6, 8)

		// When: alice plays t1 completing the top row and the left column
		next, err := ApplyMove(session, "alice", 0)
		require.NoError(t, err)

		// Then: the top row is the recorded line
		assert.Equal(t, entity.Won(entity.Line{0, 1, 2}), next.Outcome)
		assert.Len(t, next.Board.WinningLines(), 2)
	})
}

func TestApplyMove_Preconditions(t *testing.T) {
	t.Run("Terminal session is not active", func(t *testing.T) {
		// Given: a session alice has already won
		session := play(t, newSession(), 0, 3, 1, 4, 2)

		// When: bob tries to move
		next, err := ApplyMove(session, "bob", 8)

		// Then: ErrSessionNotActive is returned and nothing changes
		require.ErrorIs(t, err, apperror.ErrSessionNotActive)
		assert.Nil(t, next)
	})

	t.Run("Session not active beats every other failure", func(t *testing.T) {
		// Given: an incomplete session
		session, _, err := Leave(newSession(), "bob")
		require.NoError(t, err)

		// When: a stranger plays an out of range cell
		_, err = ApplyMove(session, "carol", 42)

		// Then: only ErrSessionNotActive is reported
		require.ErrorIs(t, err, apperror.ErrSessionNotActive)
		assert.NotErrorIs(t, err, apperror.ErrNotAParticipant)
	})

	t.Run("Nil session is not active", func(t *testing.T) {
		_, err := ApplyMove(nil, "alice", 0)
		require.ErrorIs(t, err, apperror.ErrSessionNotActive)
	})

	t.Run("Stranger is not a participant", func(t *testing.T) {
		_, err := ApplyMove(newSession(), "carol", 0)
		require.ErrorIs(t, err, apperror.ErrNotAParticipant)
	})

	t.Run("Moving out of turn", func(t *testing.T) {
		// Given: a new session, alice to move
		session := newSession()

		// When: bob plays an occupied-free cell
		_, err := ApplyMove(session, "bob", 0)

		// Then: ErrNotYourTurn is returned
		require.ErrorIs(t, err, apperror.ErrNotYourTurn)
	})

	t.Run("Not your turn beats occupied position", func(t *testing.T) {
		// Given: alice has played t1, bob to move
		session := play(t, newSession(), 0)

		// When: alice plays t1 again
		_, err := ApplyMove(session, "alice", 0)

		// Then: the turn check fails first
		require.ErrorIs(t, err, apperror.ErrNotYourTurn)
	})

	t.Run("Occupied position", func(t *testing.T) {
		// Given: alice has played t1
		session := play(t, newSession(), 0)

		// When: bob plays t1
		next, err := ApplyMove(session, "bob", 0)

		// Then: ErrPositionOccupied is returned and the board is unchanged
		require.ErrorIs(t, err, apperror.ErrPositionOccupied)
		assert.Nil(t, next)
		assert.Equal(t, o, session.Board[0])
		assert.Equal(t, x, session.Turn)
	})

	t.Run("Out of range positions", func(t *testing.T) {
		_, err := ApplyMove(newSession(), "alice", 9)
		require.ErrorIs(t, err, apperror.ErrInvalidPosition)

		_, err = ApplyMove(newSession(), "alice", -1)
		require.ErrorIs(t, err, apperror.ErrInvalidPosition)
	})
}

func TestLeave(t *testing.T) {
	t.Run("Leaving a game in play makes it incomplete", func(t *testing.T) {
		// Given: a session in play
		session := play(t, newSession(), 4)

		// When: bob leaves
		next, changed, err := Leave(session, "bob")
		require.NoError(t, err)

		// Then: bob is marked as left and the outcome is Incomplete
		assert.True(t, changed)
		assert.Equal(t, entity.Incomplete(), next.Outcome)
		assert.Equal(t, entity.StatusLeft, next.Player2.Status)
		assert.Equal(t, entity.StatusActive, next.Player1.Status)
		assert.Equal(t, session.Version+1, next.Version)

		// And: the board is kept and no more moves are accepted
		assert.Equal(t, o, next.Board[4])
		_, err = ApplyMove(next, "alice", 0)
		require.ErrorIs(t, err, apperror.ErrSessionNotActive)
	})

	t.Run("Leaving twice is a no-op", func(t *testing.T) {
		// Given: bob already left
		left, _, err := Leave(newSession(), "bob")
		require.NoError(t, err)

		// When: bob leaves again
		again, changed, err := Leave(left, "bob")

		// Then: nothing changes
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, left, again)
	})

	t.Run("Leaving a finished game keeps its outcome", func(t *testing.T) {
		// Given: alice has won
		won := play(t, newSession(), 0, 3, 1, 4, 2)

		// When: bob leaves
		next, changed, err := Leave(won, "bob")
		require.NoError(t, err)

		// Then: bob is marked as left but the game stays won
		assert.True(t, changed)
		assert.Equal(t, entity.StatusLeft, next.Player2.Status)
		assert.Equal(t, won.Outcome, next.Outcome)
	})

	t.Run("Stranger cannot leave", func(t *testing.T) {
		_, _, err := Leave(newSession(), "carol")
		require.ErrorIs(t, err, apperror.ErrNotAParticipant)
	})
}

func TestApplyMove_RandomGames(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for game := range 500 {
		session := newSession()
		players := map[entity.Symbol]string{session.Player1.Symbol: "alice", session.Player2.Symbol: "bob"}

		for session.IsPlaying() {
			empty := make([]entity.Position, 0, len(session.Board))
			for pos, cell := range session.Board {
				if cell == e {
					empty = append(empty, entity.Position(pos))
				}
			}
			require.NotEmpty(t, empty, "game %d is playing on a full board", game)

			mover := session.Turn
			next, err := ApplyMove(session, players[mover], empty[rng.IntN(len(empty))])
			require.NoError(t, err)

			// the turn alternates while the game goes on
			if next.IsPlaying() {
				require.NotEqual(t, mover, next.Turn, "game %d", game)
				require.True(t, next.Turn.IsPlayer(), "game %d", game)
			}

			require.Equal(t, session.Version+1, next.Version)
			require.NoError(t, next.Validate(), "game %d", game)

			// the other player can never move twice in a row
			_, err = ApplyMove(next, players[mover], empty[0])
			require.Error(t, err)

			session = next
		}

		// a finished game is either won on a held line or a draw on a full board
		switch session.Outcome.Kind {
		case entity.OutcomeWon:
			line, ok := session.Board.WinningLine()
			require.True(t, ok)
			assert.Equal(t, line, session.Outcome.Line)
		case entity.OutcomeDraw:
			assert.True(t, session.Board.IsFull())
			_, ok := session.Board.WinningLine()
			assert.False(t, ok)
		default:
			t.Fatalf("game %d ended as %s", game, session.Outcome)
		}
	}
}
