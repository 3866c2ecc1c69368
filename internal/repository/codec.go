package repository

import (
	"fmt"
	"strconv"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const (
	WaitingRoomsPath = "waitingRooms"
	GamesPath        = "games"
)

const (
	fieldNickname  = "nickname"
	fieldCreatedAt = "createdAt"
	fieldSeq       = "seq"

	fieldTurn    = "turn"
	fieldOutcome = "outcome"
	fieldPlaying = "playing"
	fieldVersion = "version"
)

func WaitingPath(playerID string) string {
	return store.Join(WaitingRoomsPath, playerID)
}

func SessionPath(sessionID string) string {
	return store.Join(GamesPath, sessionID)
}

func EncodeWaitingEntry(entry entity.WaitingEntry) store.Record {
	return store.Record{
		fieldNickname:  entry.Nickname,
		fieldCreatedAt: strconv.FormatInt(entry.CreatedAt, 10),
		fieldSeq:       strconv.FormatInt(entry.Seq, 10),
	}
}

func DecodeWaitingEntry(playerID string, record store.Record) (entity.WaitingEntry, error) {
	createdAt, err := strconv.ParseInt(record[fieldCreatedAt], 10, 64)
	if err != nil {
		return entity.WaitingEntry{}, fmt.Errorf("%w: waiting entry %s createdAt: %w", apperror.ErrCorruptRecord, playerID, err)
	}

	// entries written by other clients may carry no sequence
	var seq int64
	if raw, ok := record[fieldSeq]; ok && raw != "" {
		if seq, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return entity.WaitingEntry{}, fmt.Errorf("%w: waiting entry %s seq: %w", apperror.ErrCorruptRecord, playerID, err)
		}
	}

	return entity.WaitingEntry{
		PlayerID:  playerID,
		Nickname:  record[fieldNickname],
		CreatedAt: createdAt,
		Seq:       seq,
	}, nil
}

func playerFields(n int) (id, nickname, symbol, status string) {
	prefix := "player" + strconv.Itoa(n)

	return prefix + "Id", prefix + "Nickname", prefix + "Symbol", prefix + "Status"
}

func EncodeSession(session *entity.GameSession) store.Record {
	record := store.Record{
		fieldTurn:      string(session.Turn),
		fieldOutcome:   session.Outcome.String(),
		fieldPlaying:   strconv.FormatBool(session.IsPlaying()),
		fieldCreatedAt: strconv.FormatInt(session.CreatedAt, 10),
		fieldVersion:   strconv.FormatInt(session.Version, 10),
	}

	for i, slot := range []entity.PlayerSlot{session.Player1, session.Player2} {
		id, nickname, symbol, status := playerFields(i + 1)
		record[id] = slot.ID
		record[nickname] = slot.Nickname
		record[symbol] = string(slot.Symbol)
		record[status] = string(slot.Status)
	}

	for pos, name := range entity.PositionNames() {
		record[name] = string(session.Board[pos])
	}

	return record
}

func DecodeSession(sessionID string, record store.Record) (*entity.GameSession, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: session %s: %s", apperror.ErrCorruptRecord, sessionID, fmt.Sprintf(format, args...))
	}

	session := &entity.GameSession{ID: sessionID}

	for i, slot := range []*entity.PlayerSlot{&session.Player1, &session.Player2} {
		id, nickname, symbol, status := playerFields(i + 1)

		sym, err := entity.ParseSymbol(record[symbol])
		if err != nil {
			return nil, corrupt("%s: %v", symbol, err)
		}

		slot.Player = entity.Player{ID: record[id], Nickname: record[nickname]}
		slot.Symbol = sym
		slot.Status = entity.StatusActive
		if entity.PlayerStatus(record[status]) == entity.StatusLeft {
			slot.Status = entity.StatusLeft
		}
	}

	for pos, name := range entity.PositionNames() {
		sym, err := entity.ParseSymbol(record[name])
		if err != nil {
			return nil, corrupt("%s: %v", name, err)
		}
		session.Board[pos] = sym
	}

	turn, err := entity.ParseSymbol(record[fieldTurn])
	if err != nil {
		return nil, corrupt("turn: %v", err)
	}
	session.Turn = turn

	if session.Outcome, err = entity.ParseOutcome(record[fieldOutcome]); err != nil {
		return nil, corrupt("outcome: %v", err)
	}

	if session.CreatedAt, err = strconv.ParseInt(record[fieldCreatedAt], 10, 64); err != nil {
		return nil, corrupt("createdAt: %v", err)
	}

	if session.Version, err = strconv.ParseInt(record[fieldVersion], 10, 64); err != nil {
		return nil, corrupt("version: %v", err)
	}

	if err = session.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperror.ErrCorruptRecord, err)
	}

	return session, nil
}

// SessionDelta returns the fields of next that differ from prev. The version is always included.
func SessionDelta(prev, next *entity.GameSession) store.Record {
	before := EncodeSession(prev)
	after := EncodeSession(next)

	delta := store.Record{fieldVersion: after[fieldVersion]}
	for field, value := range after {
		if before[field] != value {
			delta[field] = value
		}
	}

	return delta
}
