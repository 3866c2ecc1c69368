package entity

import (
	"errors"
	"fmt"
)

var ErrInvalidSession = errors.New("invalid game session")

type GameSession struct {
	ID        string     `json:"id"`
	Player1   PlayerSlot `json:"player1"`
	Player2   PlayerSlot `json:"player2"`
	Board     Board      `json:"board"`
	Turn      Symbol     `json:"turn"`
	Outcome   Outcome    `json:"outcome"`
	CreatedAt int64      `json:"createdAt"`
	Version   int64      `json:"version"`
}

// NewGameSession pairs two players. The pairing player takes "o" and moves first.
func NewGameSession(id string, pairing, opponent Player, createdAt int64) *GameSession {
	return &GameSession{
		ID:        id,
		Player1:   PlayerSlot{Player: pairing, Symbol: SymbolO, Status: StatusActive},
		Player2:   PlayerSlot{Player: opponent, Symbol: SymbolX, Status: StatusActive},
		Turn:      SymbolO,
		Outcome:   Playing(),
		CreatedAt: createdAt,
		Version:   1,
	}
}

func (that *GameSession) Clone() *GameSession {
	if that == nil {
		return nil
	}

	clone := *that

	return &clone
}

// Slot returns the participant with the given id.
func (that *GameSession) Slot(playerID string) (*PlayerSlot, bool) {
	switch playerID {
	case "":
		return nil, false
	case that.Player1.ID:
		return &that.Player1, true
	case that.Player2.ID:
		return &that.Player2, true
	default:
		return nil, false
	}
}

func (that *GameSession) Includes(playerID string) bool {
	_, ok := that.Slot(playerID)

	return ok
}

// SlotBySymbol returns the participant playing the given symbol.
func (that *GameSession) SlotBySymbol(symbol Symbol) (*PlayerSlot, bool) {
	switch {
	case !symbol.IsPlayer():
		return nil, false
	case that.Player1.Symbol == symbol:
		return &that.Player1, true
	case that.Player2.Symbol == symbol:
		return &that.Player2, true
	default:
		return nil, false
	}
}

func (that *GameSession) IsPlaying() bool {
	return that.Outcome.IsPlaying()
}

// Validate checks the structural invariants every stored session must satisfy.
func (that *GameSession) Validate() error {
	switch {
	case that.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidSession)
	case that.Player1.ID == "" || that.Player2.ID == "":
		return fmt.Errorf("%w: missing participant", ErrInvalidSession)
	case that.Player1.ID == that.Player2.ID:
		return fmt.Errorf("%w: player paired with itself", ErrInvalidSession)
	case !that.Player1.Symbol.IsPlayer() || !that.Player2.Symbol.IsPlayer():
		return fmt.Errorf("%w: participant without symbol", ErrInvalidSession)
	case that.Player1.Symbol == that.Player2.Symbol:
		return fmt.Errorf("%w: participants share a symbol", ErrInvalidSession)
	}

	// the first player opens, so it is never behind nor more than one move ahead
	if lead := that.Board.Count(that.Player1.Symbol) - that.Board.Count(that.Player2.Symbol); lead < 0 || lead > 1 {
		return fmt.Errorf("%w: move counts differ by %d", ErrInvalidSession, lead)
	}

	if that.IsPlaying() && !that.Turn.IsPlayer() {
		return fmt.Errorf("%w: turn %q while playing", ErrInvalidSession, that.Turn)
	}

	if that.Outcome.Kind == OutcomeWon {
		line := that.Outcome.Line
		if !line.IsWinLine() || !that.Board.holds(line) {
			return fmt.Errorf("%w: won line %s is not held", ErrInvalidSession, line)
		}
	}

	return nil
}
