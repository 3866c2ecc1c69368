// Package coordinator keeps one player's view of a game session in step with the store.
//
// A move is shown to observers before it is committed. If the commit fails the view rolls
// back to the last confirmed state. Every change notification replaces the view wholesale,
// so both players converge on the committed record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
	"github.com/rocketscienceinc/tictactoe-duel/internal/tictactoe"
)

var ErrClosed = errors.New("coordinator is closed")

type Backend interface {
	GetSession(ctx context.Context, sessionID string) (*entity.GameSession, error)
	// CommitMove writes the move on top of base, failing if the stored version moved on.
	CommitMove(ctx context.Context, playerID string, base *entity.GameSession, pos entity.Position) (*entity.GameSession, error)
	Leave(ctx context.Context, sessionID, playerID string) (*entity.GameSession, error)
	Subscribe(ctx context.Context, sessionID string, fn func(*entity.GameSession)) (store.Subscription, error)
}

type View struct {
	Session *entity.GameSession
	Pending bool
}

// Observer must not call back into the Client synchronously.
type Observer func(View)

type Client struct {
	logger    *slog.Logger
	backend   Backend
	playerID  string
	sessionID string

	mu        sync.Mutex
	confirmed *entity.GameSession
	tentative *entity.GameSession
	observers []Observer
	sub       store.Subscription
	closed    bool

	// held while observers run so they see transitions in order
	emitMu sync.Mutex
	// mirrors closed for the emit loop, which runs without mu
	stopped atomic.Bool
}

// Open subscribes to the session and loads its committed state.
func Open(ctx context.Context, logger *slog.Logger, backend Backend, sessionID, playerID string) (*Client, error) {
	that := &Client{
		logger:    logger.With("component", "coordinator", "session", sessionID, "player", playerID),
		backend:   backend,
		playerID:  playerID,
		sessionID: sessionID,
	}

	// subscribe first; a change landing before the read is reconciled by version
	sub, err := backend.Subscribe(ctx, sessionID, func(session *entity.GameSession) { that.reconcile(session) })
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session: %w", err)
	}

	session, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if !session.Includes(playerID) {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to open session %s: %w", sessionID, apperror.ErrNotAParticipant)
	}

	that.mu.Lock()
	that.sub = sub
	that.mu.Unlock()

	that.reconcile(session)

	return that, nil
}

func (that *Client) SessionID() string {
	return that.sessionID
}

func (that *Client) PlayerID() string {
	return that.playerID
}

// OnChange registers an observer for every view transition.
func (that *Client) OnChange(observer Observer) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.observers = append(that.observers, observer)
}

// View returns the session as the player should see it, tentative move included.
func (that *Client) View() View {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.viewLocked()
}

func (that *Client) Confirmed() *entity.GameSession {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.confirmed
}

func (that *Client) Pending() bool {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.tentative != nil
}

// Move applies the move locally, shows it, then commits it. Rule violations are returned
// as is and leave the view untouched. A failed commit rolls the view back and wraps
// apperror.ErrStoreWriteFailed.
//
// The view can miss a notification, so a move refused by the local state or by a version
// conflict triggers one re-read of the committed session.
func (that *Client) Move(ctx context.Context, pos entity.Position) (*entity.GameSession, error) {
	log := that.logger.With("method", "Move", "position", pos.Name())

	that.mu.Lock()
	if that.closed {
		that.mu.Unlock()
		return nil, ErrClosed
	}

	base := that.currentLocked()

	tentative, err := tictactoe.ApplyMove(base, that.playerID, pos)
	if err != nil && that.tentative == nil && dependsOnState(err) {
		that.mu.Unlock()

		changed, resyncErr := that.Resync(ctx)
		if resyncErr != nil {
			log.Warn("failed to re-read session after refused move", "error", resyncErr)
		}
		if !changed {
			return nil, err
		}

		that.mu.Lock()
		if that.closed {
			that.mu.Unlock()
			return nil, ErrClosed
		}

		base = that.currentLocked()
		tentative, err = tictactoe.ApplyMove(base, that.playerID, pos)
	}

	if err != nil {
		that.mu.Unlock()
		return nil, err
	}

	that.tentative = tentative
	that.emitLocked()

	committed, err := that.backend.CommitMove(ctx, that.playerID, base, pos)
	if err != nil {
		log.Warn("move commit failed, rolling back", "error", err)

		that.rollback(tentative)

		if errors.Is(err, store.ErrConditionFailed) {
			if _, resyncErr := that.Resync(ctx); resyncErr != nil {
				log.Warn("failed to re-read session after conflict", "error", resyncErr)
			}
		}

		if errors.Is(err, apperror.ErrStoreWriteFailed) {
			return nil, fmt.Errorf("failed to commit move: %w", err)
		}

		return nil, fmt.Errorf("failed to commit move: %w: %w", apperror.ErrStoreWriteFailed, err)
	}

	that.reconcile(committed)

	return committed, nil
}

// dependsOnState reports rule errors that a newer version of the session could lift.
func dependsOnState(err error) bool {
	return errors.Is(err, apperror.ErrNotYourTurn) ||
		errors.Is(err, apperror.ErrPositionOccupied) ||
		errors.Is(err, apperror.ErrSessionNotActive)
}

// Leave leaves the session through the backend and adopts the resulting state.
func (that *Client) Leave(ctx context.Context) (*entity.GameSession, error) {
	session, err := that.backend.Leave(ctx, that.sessionID, that.playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to leave session: %w", err)
	}

	that.reconcile(session)

	return session, nil
}

// Resync re-reads the committed session and reports whether it was newer than the view's.
func (that *Client) Resync(ctx context.Context) (bool, error) {
	session, err := that.backend.GetSession(ctx, that.sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to resync session: %w", err)
	}

	return that.reconcile(session), nil
}

// Close stops listening for changes. Once it returns no observer is called again; it waits
// for a notification already being delivered.
func (that *Client) Close() {
	that.mu.Lock()
	if that.closed {
		that.mu.Unlock()
		return
	}

	that.closed = true
	that.stopped.Store(true)
	sub := that.sub
	that.observers = nil
	that.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	that.emitMu.Lock()
	that.emitMu.Unlock() //nolint:staticcheck // waits out a running emit
}

// reconcile replaces the view with a committed snapshot newer than the one held and
// reports whether it did.
func (that *Client) reconcile(session *entity.GameSession) bool {
	if session == nil || session.ID != that.sessionID {
		return false
	}

	that.mu.Lock()
	if that.closed {
		that.mu.Unlock()
		return false
	}

	if that.confirmed != nil && session.Version <= that.confirmed.Version {
		that.mu.Unlock()
		if session.Version < that.confirmed.Version {
			that.logger.Debug("ignoring stale notification", "version", session.Version)
		}
		return false
	}

	that.confirmed = session
	that.tentative = nil
	that.emitLocked()

	return true
}

func (that *Client) rollback(tentative *entity.GameSession) {
	that.mu.Lock()

	// a notification may already have replaced the tentative state
	if that.tentative != tentative {
		that.mu.Unlock()
		return
	}

	that.tentative = nil
	that.emitLocked()
}

func (that *Client) currentLocked() *entity.GameSession {
	if that.tentative != nil {
		return that.tentative
	}

	return that.confirmed
}

func (that *Client) viewLocked() View {
	return View{Session: that.currentLocked(), Pending: that.tentative != nil}
}

// emitLocked must be called with mu held; it releases mu before running observers.
func (that *Client) emitLocked() {
	view := that.viewLocked()
	observers := append([]Observer(nil), that.observers...)

	that.emitMu.Lock()
	that.mu.Unlock()
	defer that.emitMu.Unlock()

	for _, observer := range observers {
		if that.stopped.Load() {
			return
		}
		observer(view)
	}
}
