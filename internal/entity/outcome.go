package entity

import (
	"errors"
	"fmt"
	"strings"
)

type OutcomeKind string

const (
	OutcomePlaying    OutcomeKind = "Playing"
	OutcomeWon        OutcomeKind = "Won"
	OutcomeDraw       OutcomeKind = "Draw"
	OutcomeIncomplete OutcomeKind = "Incomplete"
)

var ErrUnknownOutcome = errors.New("unknown outcome")

// Outcome is the derived state of a session. Line is meaningful only when Kind is OutcomeWon.
type Outcome struct {
	Kind OutcomeKind
	Line Line
}

func Playing() Outcome {
	return Outcome{Kind: OutcomePlaying}
}

func Won(line Line) Outcome {
	return Outcome{Kind: OutcomeWon, Line: line}
}

func Draw() Outcome {
	return Outcome{Kind: OutcomeDraw}
}

func Incomplete() Outcome {
	return Outcome{Kind: OutcomeIncomplete}
}

func (that Outcome) IsPlaying() bool {
	return that.Kind == OutcomePlaying
}

func (that Outcome) IsTerminal() bool {
	return !that.IsPlaying()
}

// String encodes the outcome as stored: Playing, Draw, Incomplete or Won:t1,t2,t3.
func (that Outcome) String() string {
	if that.Kind == OutcomeWon {
		return string(OutcomeWon) + ":" + that.Line.String()
	}

	return string(that.Kind)
}

func ParseOutcome(raw string) (Outcome, error) {
	switch OutcomeKind(raw) {
	case OutcomePlaying:
		return Playing(), nil
	case OutcomeDraw:
		return Draw(), nil
	case OutcomeIncomplete:
		return Incomplete(), nil
	}

	cells, ok := strings.CutPrefix(raw, string(OutcomeWon)+":")
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, raw)
	}

	names := strings.Split(cells, ",")
	if len(names) != len(Line{}) {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, raw)
	}

	var line Line
	for i, name := range names {
		pos, err := ParsePosition(name)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrUnknownOutcome, err)
		}
		line[i] = pos
	}

	if !line.IsWinLine() {
		return Outcome{}, fmt.Errorf("%w: %q is not a winning line", ErrUnknownOutcome, cells)
	}

	return Won(line), nil
}

func (that Outcome) MarshalText() ([]byte, error) {
	return []byte(that.String()), nil
}

func (that *Outcome) UnmarshalText(text []byte) error {
	outcome, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}

	*that = outcome

	return nil
}
