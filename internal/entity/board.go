package entity

import (
	"fmt"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
)

type Symbol string

const (
	SymbolEmpty Symbol = ""
	SymbolO     Symbol = "o"
	SymbolX     Symbol = "x"
)

// Opponent returns the other player's symbol.
func (that Symbol) Opponent() Symbol {
	switch that {
	case SymbolO:
		return SymbolX
	case SymbolX:
		return SymbolO
	default:
		return SymbolEmpty
	}
}

func (that Symbol) IsPlayer() bool {
	return that == SymbolO || that == SymbolX
}

// ParseSymbol accepts "o", "x" and "" (empty cell).
func ParseSymbol(raw string) (Symbol, error) {
	switch s := Symbol(raw); s {
	case SymbolEmpty, SymbolO, SymbolX:
		return s, nil
	default:
		return SymbolEmpty, fmt.Errorf("unknown symbol %q", raw)
	}
}

const BoardSize = 9

// Position is a row-major cell index: 0 is top left, 8 is bottom right.
type Position int

var positionNames = [BoardSize]string{
	"t1", "t2", "t3",
	"m1", "m2", "m3",
	"l1", "l2", "l3",
}

func (that Position) Valid() bool {
	return that >= 0 && that < BoardSize
}

func (that Position) Row() int {
	return int(that) / 3
}

func (that Position) Col() int {
	return int(that) % 3
}

// Name returns the record field name of the cell (t1..l3).
func (that Position) Name() string {
	if !that.Valid() {
		return fmt.Sprintf("invalid(%d)", int(that))
	}

	return positionNames[that]
}

func ParsePosition(name string) (Position, error) {
	for i, n := range positionNames {
		if n == name {
			return Position(i), nil
		}
	}

	return -1, fmt.Errorf("%w: %q", apperror.ErrInvalidPosition, name)
}

// PositionNames lists the cell names in position order.
func PositionNames() [BoardSize]string {
	return positionNames
}

type Board [BoardSize]Symbol

// Line is one of the eight fixed triples that win the game.
type Line [3]Position

var WinLines = [8]Line{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

// IsWinLine reports whether the triple is one of WinLines.
func (that Line) IsWinLine() bool {
	for _, line := range WinLines {
		if line == that {
			return true
		}
	}

	return false
}

func (that Line) String() string {
	return that[0].Name() + "," + that[1].Name() + "," + that[2].Name()
}

// WinningLine returns the first line, in WinLines order, held by three equal non-empty symbols.
func (that Board) WinningLine() (Line, bool) {
	lines := that.WinningLines()
	if len(lines) == 0 {
		return Line{}, false
	}

	return lines[0], true
}

// WinningLines returns every completed line. A single move can complete two lines
// at once (a row and a column through the same cell, for example).
func (that Board) WinningLines() []Line {
	var lines []Line
	for _, line := range WinLines {
		if that.holds(line) {
			lines = append(lines, line)
		}
	}

	return lines
}

func (that Board) holds(line Line) bool {
	a, b, c := that[line[0]], that[line[1]], that[line[2]]

	return a != SymbolEmpty && a == b && b == c
}

func (that Board) IsFull() bool {
	for _, cell := range that {
		if cell == SymbolEmpty {
			return false
		}
	}

	return true
}

func (that Board) Count(symbol Symbol) int {
	n := 0
	for _, cell := range that {
		if cell == symbol {
			n++
		}
	}

	return n
}
