package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

type SessionRepository interface {
	Create(ctx context.Context, session *entity.GameSession) error
	GetByID(ctx context.Context, id string) (*entity.GameSession, error)
	Update(ctx context.Context, prev, next *entity.GameSession) error
	FindActiveByPlayer(ctx context.Context, playerID string) (*entity.GameSession, error)
	Watch(ctx context.Context, id string, fn func(*entity.GameSession)) (store.Subscription, error)
	WatchCreated(ctx context.Context, fn func(*entity.GameSession)) (store.Subscription, error)
}

type dbSession struct {
	logger *slog.Logger
	store  store.Store
}

func NewSessionRepository(logger *slog.Logger, s store.Store) SessionRepository {
	return &dbSession{
		logger: logger.With("component", "session-repository"),
		store:  s,
	}
}

func (that *dbSession) Create(ctx context.Context, session *entity.GameSession) error {
	path := SessionPath(session.ID)

	err := that.store.Commit(ctx, store.Txn{
		Conditions: []store.Condition{store.Absent(path)},
		Writes:     []store.Write{{Path: path, Fields: EncodeSession(session)}},
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to create session %s", session.ID), err)
	}

	return nil
}

func (that *dbSession) GetByID(ctx context.Context, id string) (*entity.GameSession, error) {
	record, err := that.store.Read(ctx, SessionPath(id))
	if errors.Is(err, store.ErrAbsent) {
		return nil, fmt.Errorf("%w: %s", apperror.ErrSessionNotFound, id)
	}

	if err != nil {
		return nil, readError(fmt.Sprintf("failed to get session %s", id), err)
	}

	return DecodeSession(id, record)
}

// Update writes only the fields that changed between prev and next, provided the stored
// version still equals prev.Version.
func (that *dbSession) Update(ctx context.Context, prev, next *entity.GameSession) error {
	path := SessionPath(next.ID)

	err := that.store.Commit(ctx, store.Txn{
		Conditions: []store.Condition{store.FieldEquals(path, fieldVersion, strconv.FormatInt(prev.Version, 10))},
		Writes:     []store.Write{{Path: path, Fields: SessionDelta(prev, next)}},
	})
	if err != nil {
		return writeError(fmt.Sprintf("failed to update session %s", next.ID), err)
	}

	return nil
}

func (that *dbSession) FindActiveByPlayer(ctx context.Context, playerID string) (*entity.GameSession, error) {
	log := that.logger.With("method", "FindActiveByPlayer")

	children, err := that.store.Children(ctx, GamesPath)
	if err != nil {
		return nil, readError("failed to list sessions", err)
	}

	var found *entity.GameSession
	for id, record := range children {
		session, err := DecodeSession(id, record)
		if err != nil {
			log.Warn("skipping corrupt session", "id", id, "error", err)
			continue
		}

		if !session.IsPlaying() || !session.Includes(playerID) {
			continue
		}

		if found == nil || session.CreatedAt > found.CreatedAt {
			found = session
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: no active session for %s", apperror.ErrSessionNotFound, playerID)
	}

	return found, nil
}

func (that *dbSession) Watch(ctx context.Context, id string, fn func(*entity.GameSession)) (store.Subscription, error) {
	log := that.logger.With("method", "Watch", "session", id)

	sub, err := store.OnChildChanged(ctx, that.store, GamesPath, func(event store.Event) {
		if event.Key != id {
			return
		}

		session, err := DecodeSession(event.Key, event.Record)
		if err != nil {
			log.Warn("skipping corrupt session change", "error", err)
			return
		}

		fn(session)
	})
	if err != nil {
		return nil, readError("failed to watch session", err)
	}

	return sub, nil
}

func (that *dbSession) WatchCreated(ctx context.Context, fn func(*entity.GameSession)) (store.Subscription, error) {
	log := that.logger.With("method", "WatchCreated")

	sub, err := store.OnChildAdded(ctx, that.store, GamesPath, func(event store.Event) {
		session, err := DecodeSession(event.Key, event.Record)
		if err != nil {
			log.Warn("skipping corrupt session", "id", event.Key, "error", err)
			return
		}

		fn(session)
	})
	if err != nil {
		return nil, readError("failed to watch new sessions", err)
	}

	return sub, nil
}

func readError(msg string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", msg, apperror.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func writeError(msg string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w: %w", msg, apperror.ErrStoreWriteFailed, apperror.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w: %w", msg, apperror.ErrStoreWriteFailed, err)
}
