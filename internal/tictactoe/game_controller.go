package tictactoe

import (
	"fmt"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

// ApplyMove validates a move and returns the next session state. The input session is never modified.
func ApplyMove(session *entity.GameSession, playerID string, pos entity.Position) (*entity.GameSession, error) {
	slot, err := validateMove(session, playerID, pos)
	if err != nil {
		return nil, fmt.Errorf("invalid move: %w", err)
	}

	next := session.Clone()
	next.Board[pos] = slot.Symbol
	updateGameStatus(next, slot.Symbol)
	next.Version++

	return next, nil
}

// validateMove checks the preconditions in order. The first failing one wins.
func validateMove(session *entity.GameSession, playerID string, pos entity.Position) (*entity.PlayerSlot, error) {
	if session == nil || !session.IsPlaying() {
		return nil, apperror.ErrSessionNotActive
	}

	slot, ok := session.Slot(playerID)
	if !ok {
		return nil, apperror.ErrNotAParticipant
	}

	if slot.Symbol != session.Turn {
		return nil, apperror.ErrNotYourTurn
	}

	if !pos.Valid() {
		return nil, fmt.Errorf("%w: %d", apperror.ErrInvalidPosition, pos)
	}

	if session.Board[pos] != entity.SymbolEmpty {
		return nil, fmt.Errorf("%w: %s", apperror.ErrPositionOccupied, pos.Name())
	}

	return slot, nil
}

// updateGameStatus derives the outcome after a move by the given symbol.
func updateGameStatus(session *entity.GameSession, moved entity.Symbol) {
	if line, ok := session.Board.WinningLine(); ok {
		session.Outcome = entity.Won(line)
		return
	}

	if session.Board.IsFull() {
		session.Outcome = entity.Draw()
		return
	}

	session.Turn = moved.Opponent()
}

// Leave marks the player as gone. A session still in play becomes Incomplete.
// Repeated calls are no-ops and report changed == false.
func Leave(session *entity.GameSession, playerID string) (*entity.GameSession, bool, error) {
	if session == nil {
		return nil, false, apperror.ErrSessionNotFound
	}

	current, ok := session.Slot(playerID)
	if !ok {
		return nil, false, apperror.ErrNotAParticipant
	}

	if current.Status == entity.StatusLeft && !session.IsPlaying() {
		return session, false, nil
	}

	next := session.Clone()
	slot, _ := next.Slot(playerID)
	slot.Status = entity.StatusLeft

	if next.IsPlaying() {
		next.Outcome = entity.Incomplete()
	}

	next.Version++

	return next, true, nil
}

// Winner attributes a won session to the player whose symbol holds the winning line.
func Winner(session *entity.GameSession) (entity.PlayerSlot, bool) {
	if session == nil || session.Outcome.Kind != entity.OutcomeWon {
		return entity.PlayerSlot{}, false
	}

	slot, ok := session.SlotBySymbol(session.Board[session.Outcome.Line[0]])
	if !ok {
		return entity.PlayerSlot{}, false
	}

	return *slot, true
}
