// Package matchmaking pairs waiting players into game sessions.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const defaultPairAttempts = 3

type waitingRepo interface {
	Create(ctx context.Context, entry entity.WaitingEntry) error
	DeleteByID(ctx context.Context, playerID string) error
	List(ctx context.Context) ([]entity.WaitingEntry, error)
	Pair(ctx context.Context, pairing, opponent entity.WaitingEntry, session *entity.GameSession) error
}

type sessionWatcher interface {
	FindActiveByPlayer(ctx context.Context, playerID string) (*entity.GameSession, error)
	WatchCreated(ctx context.Context, fn func(*entity.GameSession)) (store.Subscription, error)
}

type Queue struct {
	logger   *slog.Logger
	waiting  waitingRepo
	sessions sessionWatcher

	attempts int
	now      func() time.Time
	newID    func() string
}

type Option func(*Queue)

// WithPairAttempts bounds how many lost pairing races TryPair absorbs before giving up.
func WithPairAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.attempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(q *Queue) {
		q.newID = newID
	}
}

func NewQueue(logger *slog.Logger, waiting waitingRepo, sessions sessionWatcher, opts ...Option) *Queue {
	q := &Queue{
		logger:   logger.With("component", "matchmaking"),
		waiting:  waiting,
		sessions: sessions,
		attempts: defaultPairAttempts,
		now:      time.Now,
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue adds the player to the waiting room.
func (that *Queue) Enqueue(ctx context.Context, player entity.Player) (entity.WaitingEntry, error) {
	now := that.now()

	entry := entity.WaitingEntry{
		PlayerID:  player.ID,
		Nickname:  player.Nickname,
		CreatedAt: now.UnixMilli(),
		Seq:       now.UnixNano(),
	}

	if err := that.waiting.Create(ctx, entry); err != nil {
		return entity.WaitingEntry{}, fmt.Errorf("failed to enqueue player: %w", err)
	}

	that.logger.Debug("player enqueued", "player", player.ID)

	return entry, nil
}

// Cancel removes the player's waiting entry. Cancelling twice is not an error.
func (that *Queue) Cancel(ctx context.Context, playerID string) error {
	if err := that.waiting.DeleteByID(ctx, playerID); err != nil {
		return fmt.Errorf("failed to cancel waiting entry: %w", err)
	}

	return nil
}

// TryPair claims the oldest other waiting player for playerID. It returns a nil session when
// playerID is no longer waiting, when nobody else is, or when every attempt lost its race.
func (that *Queue) TryPair(ctx context.Context, playerID string) (*entity.GameSession, error) {
	log := that.logger.With("method", "TryPair", "player", playerID)

	for attempt := 1; attempt <= that.attempts; attempt++ {
		entries, err := that.waiting.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list waiting players: %w", err)
		}

		self, opponent, ok := pickOpponent(entries, playerID)
		if !ok {
			return nil, nil
		}

		session := entity.NewGameSession(that.newID(), self.Player(), opponent.Player(), that.now().UnixMilli())

		err = that.waiting.Pair(ctx, self, opponent, session)
		if errors.Is(err, apperror.ErrPairingRaceLost) {
			log.Debug("pairing race lost", "opponent", opponent.PlayerID, "attempt", attempt)
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to pair players: %w", err)
		}

		log.Info("players paired", "session", session.ID, "opponent", opponent.PlayerID)

		return session, nil
	}

	return nil, nil
}

// pickOpponent returns playerID's own entry and the oldest entry of anyone else.
// entries must be ordered oldest first.
func pickOpponent(entries []entity.WaitingEntry, playerID string) (entity.WaitingEntry, entity.WaitingEntry, bool) {
	var (
		self, opponent entity.WaitingEntry
		found, haveOpp bool
	)

	for _, entry := range entries {
		if entry.PlayerID == playerID {
			self, found = entry, true
			continue
		}

		if !haveOpp {
			opponent, haveOpp = entry, true
		}
	}

	return self, opponent, found && haveOpp
}

// WaitForMatch blocks until a playing session that includes playerID exists, or ctx ends.
func (that *Queue) WaitForMatch(ctx context.Context, playerID string) (*entity.GameSession, error) {
	matched := make(chan *entity.GameSession, 1)
	deliver := func(session *entity.GameSession) {
		select {
		case matched <- session:
		default:
		}
	}

	// subscribe before the lookup so a pairing between the two is not missed
	sub, err := that.sessions.WatchCreated(ctx, func(session *entity.GameSession) {
		if session.IsPlaying() && session.Includes(playerID) {
			deliver(session)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch new sessions: %w", err)
	}
	defer sub.Unsubscribe()

	existing, err := that.sessions.FindActiveByPlayer(ctx, playerID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, apperror.ErrSessionNotFound):
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}

	select {
	case session := <-matched:
		return session, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to wait for match: %w", ctx.Err())
	}
}
