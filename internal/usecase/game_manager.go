package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
	"github.com/rocketscienceinc/tictactoe-duel/internal/tictactoe"
)

const leaveAttempts = 5

type matchQueue interface {
	Enqueue(ctx context.Context, player entity.Player) (entity.WaitingEntry, error)
	Cancel(ctx context.Context, playerID string) error
	TryPair(ctx context.Context, playerID string) (*entity.GameSession, error)
	WaitForMatch(ctx context.Context, playerID string) (*entity.GameSession, error)
}

type sessionRepo interface {
	GetByID(ctx context.Context, id string) (*entity.GameSession, error)
	Update(ctx context.Context, prev, next *entity.GameSession) error
	FindActiveByPlayer(ctx context.Context, playerID string) (*entity.GameSession, error)
	Watch(ctx context.Context, id string, fn func(*entity.GameSession)) (store.Subscription, error)
}

// GameManager is the authoritative entry point for matchmaking and play. Every write to a
// session is validated here against the state it is committed on top of.
type GameManager struct {
	logger   *slog.Logger
	queue    matchQueue
	sessions sessionRepo
}

func NewGameManager(logger *slog.Logger, queue matchQueue, sessions sessionRepo) *GameManager {
	return &GameManager{
		logger: logger.With("component", "game-manager"),

		queue:    queue,
		sessions: sessions,
	}
}

// NewPlayer fills in an id for anonymous players.
func (that *GameManager) NewPlayer(id, nickname string) entity.Player {
	if id == "" {
		id = uuid.NewString()
	}

	return entity.Player{ID: id, Nickname: nickname}
}

// FindMatch enqueues the player and blocks until they are paired. If ctx ends first the
// waiting entry is withdrawn.
func (that *GameManager) FindMatch(ctx context.Context, player entity.Player) (*entity.GameSession, error) {
	log := that.logger.With("method", "FindMatch", "player", player.ID)

	if active, err := that.sessions.FindActiveByPlayer(ctx, player.ID); err == nil {
		log.Info("player already in a session", "session", active.ID)
		return active, nil
	}

	if _, err := that.queue.Enqueue(ctx, player); err != nil {
		return nil, fmt.Errorf("failed to find match: %w", err)
	}

	session, err := that.queue.TryPair(ctx, player.ID)
	if err != nil {
		that.withdraw(ctx, player.ID)
		return nil, fmt.Errorf("failed to find match: %w", err)
	}

	if session != nil {
		return session, nil
	}

	session, err = that.queue.WaitForMatch(ctx, player.ID)
	if err != nil {
		that.withdraw(ctx, player.ID)
		return nil, fmt.Errorf("failed to find match: %w", err)
	}

	return session, nil
}

func (that *GameManager) withdraw(ctx context.Context, playerID string) {
	if err := that.queue.Cancel(context.WithoutCancel(ctx), playerID); err != nil {
		that.logger.Error("failed to withdraw waiting entry", "player", playerID, "error", err)
	}
}

// CancelMatch removes the player from the queue. It is a no-op once the player was paired.
func (that *GameManager) CancelMatch(ctx context.Context, playerID string) error {
	if err := that.queue.Cancel(ctx, playerID); err != nil {
		return fmt.Errorf("failed to cancel match: %w", err)
	}

	return nil
}

func (that *GameManager) GetSession(ctx context.Context, sessionID string) (*entity.GameSession, error) {
	session, err := that.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ActiveSession returns the session the player is currently playing, if any.
func (that *GameManager) ActiveSession(ctx context.Context, playerID string) (*entity.GameSession, error) {
	session, err := that.sessions.FindActiveByPlayer(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}

	return session, nil
}

// MakeMove validates the move against the stored session and commits it. If another write
// lands in between, the move is re-validated once against the fresh state.
func (that *GameManager) MakeMove(ctx context.Context, sessionID, playerID string, pos entity.Position) (*entity.GameSession, error) {
	log := that.logger.With("method", "MakeMove", "session", sessionID, "player", playerID)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var session *entity.GameSession
		if session, err = that.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}

		var next *entity.GameSession
		next, err = that.CommitMove(ctx, playerID, session, pos)
		if err == nil {
			return next, nil
		}

		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, err
		}

		log.Debug("session changed during move, re-reading", "version", session.Version)
	}

	return nil, err
}

// CommitMove applies the move to base and writes it only if the stored session is still
// at base.Version.
func (that *GameManager) CommitMove(ctx context.Context, playerID string, base *entity.GameSession, pos entity.Position) (*entity.GameSession, error) {
	next, err := tictactoe.ApplyMove(base, playerID, pos)
	if err != nil {
		return nil, err
	}

	if err = that.sessions.Update(ctx, base, next); err != nil {
		return nil, fmt.Errorf("failed to commit move: %w", err)
	}

	that.logger.Debug("move committed",
		"session", next.ID, "player", playerID, "position", pos.Name(), "outcome", next.Outcome.String())

	return next, nil
}

// Leave marks the player as gone, ending a session still in play. Leaving again is a no-op.
func (that *GameManager) Leave(ctx context.Context, sessionID, playerID string) (*entity.GameSession, error) {
	var err error
	for attempt := 0; attempt < leaveAttempts; attempt++ {
		var session *entity.GameSession
		if session, err = that.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}

		var (
			next    *entity.GameSession
			changed bool
		)
		if next, changed, err = tictactoe.Leave(session, playerID); err != nil {
			return nil, fmt.Errorf("failed to leave session: %w", err)
		}

		if !changed {
			return session, nil
		}

		err = that.sessions.Update(ctx, session, next)
		if err == nil {
			that.logger.Info("player left session", "session", sessionID, "player", playerID)
			return next, nil
		}

		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, fmt.Errorf("failed to leave session: %w", err)
		}
	}

	return nil, fmt.Errorf("failed to leave session: %w", err)
}

// Subscribe calls fn with every committed change of the session.
func (that *GameManager) Subscribe(ctx context.Context, sessionID string, fn func(*entity.GameSession)) (store.Subscription, error) {
	sub, err := that.sessions.Watch(ctx, sessionID, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session: %w", err)
	}

	return sub, nil
}
