package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

var ErrEntryNotFound = errors.New("waiting entry not found")

type WaitingRepository interface {
	Create(ctx context.Context, entry entity.WaitingEntry) error
	GetByID(ctx context.Context, playerID string) (entity.WaitingEntry, error)
	DeleteByID(ctx context.Context, playerID string) error
	List(ctx context.Context) ([]entity.WaitingEntry, error)
	Pair(ctx context.Context, pairing, opponent entity.WaitingEntry, session *entity.GameSession) error
}

type dbWaiting struct {
	logger *slog.Logger
	store  store.Store
}

func NewWaitingRepository(logger *slog.Logger, s store.Store) WaitingRepository {
	return &dbWaiting{
		logger: logger.With("component", "waiting-repository"),
		store:  s,
	}
}

// Create adds the entry unless the player already has one.
func (that *dbWaiting) Create(ctx context.Context, entry entity.WaitingEntry) error {
	path := WaitingPath(entry.PlayerID)

	err := that.store.Commit(ctx, store.Txn{
		Conditions: []store.Condition{store.Absent(path)},
		Writes:     []store.Write{{Path: path, Fields: EncodeWaitingEntry(entry)}},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("%w: %s", apperror.ErrAlreadyWaiting, entry.PlayerID)
	}

	if err != nil {
		return writeError("failed to create waiting entry", err)
	}

	return nil
}

func (that *dbWaiting) GetByID(ctx context.Context, playerID string) (entity.WaitingEntry, error) {
	record, err := that.store.Read(ctx, WaitingPath(playerID))
	if errors.Is(err, store.ErrAbsent) {
		return entity.WaitingEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, playerID)
	}

	if err != nil {
		return entity.WaitingEntry{}, readError("failed to get waiting entry", err)
	}

	return DecodeWaitingEntry(playerID, record)
}

// DeleteByID is idempotent.
func (that *dbWaiting) DeleteByID(ctx context.Context, playerID string) error {
	if err := that.store.Remove(ctx, WaitingPath(playerID)); err != nil {
		return writeError("failed to delete waiting entry", err)
	}

	return nil
}

// List returns the waiting entries oldest first.
func (that *dbWaiting) List(ctx context.Context) ([]entity.WaitingEntry, error) {
	log := that.logger.With("method", "List")

	children, err := that.store.Children(ctx, WaitingRoomsPath)
	if err != nil {
		return nil, readError("failed to list waiting entries", err)
	}

	entries := make([]entity.WaitingEntry, 0, len(children))
	for playerID, record := range children {
		entry, err := DecodeWaitingEntry(playerID, record)
		if err != nil {
			log.Warn("skipping corrupt waiting entry", "player", playerID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b entity.WaitingEntry) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})

	return entries, nil
}

// Pair creates the session and consumes both entries in one transaction. If either entry
// is already gone the pairing is lost and nothing is written.
func (that *dbWaiting) Pair(ctx context.Context, pairing, opponent entity.WaitingEntry, session *entity.GameSession) error {
	pairingPath := WaitingPath(pairing.PlayerID)
	opponentPath := WaitingPath(opponent.PlayerID)
	sessionPath := SessionPath(session.ID)

	err := that.store.Commit(ctx, store.Txn{
		Conditions: []store.Condition{
			store.Exists(pairingPath),
			store.Exists(opponentPath),
			store.Absent(sessionPath),
		},
		Writes:  []store.Write{{Path: sessionPath, Fields: EncodeSession(session)}},
		Removes: []string{pairingPath, opponentPath},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("%w: %w", apperror.ErrPairingRaceLost, err)
	}

	if err != nil {
		return writeError("failed to pair players", err)
	}

	return nil
}
