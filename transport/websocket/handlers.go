package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/coordinator"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

var errIdentityRequired = errors.New("send player:hello first")

// clientErrors are safe to show to players as they are.
var clientErrors = []error{
	apperror.ErrAlreadyWaiting,
	apperror.ErrSessionNotFound,
	apperror.ErrSessionNotActive,
	apperror.ErrNotAParticipant,
	apperror.ErrNotYourTurn,
	apperror.ErrPositionOccupied,
	apperror.ErrInvalidPosition,
	apperror.ErrStoreWriteFailed,
	errIdentityRequired,
}

func errorText(err error) string {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	return "internal error"
}

func decodePayload(msg *Message) (Payload, error) {
	var payload Payload
	if len(msg.Payload) == 0 {
		return payload, nil
	}

	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return payload, nil
}

// handleHello binds a player identity to the connection and resumes an active session.
func (that *Server) handleHello(ctx context.Context, conn *connection, msg *Message) error {
	log := that.logger.With("method", "handleHello")

	payload, err := decodePayload(msg)
	if err != nil {
		_ = conn.sendError(msg.Action, "malformed payload")
		return err
	}

	if payload.Player == nil {
		return conn.sendError(msg.Action, "player is required")
	}

	player := that.games.NewPlayer(payload.Player.ID, payload.Player.Nickname)
	conn.setIdentity(player)

	if err = conn.send(msg.Action, Payload{Player: &player}); err != nil {
		return err
	}

	session, err := that.games.ActiveSession(ctx, player.ID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to look up active session: %w", err)
	}

	log.Info("resuming active session", "player", player.ID, "session", session.ID)

	_, _, err = that.openSession(ctx, conn, player, session.ID)

	return err
}

// handleQueueJoin starts a search in the background and acknowledges it immediately.
func (that *Server) handleQueueJoin(ctx context.Context, conn *connection, msg *Message) error {
	log := that.logger.With("method", "handleQueueJoin")

	player, ok := conn.identity()
	if !ok {
		return conn.sendError(msg.Action, errorText(errIdentityRequired))
	}

	matchCtx, cancel := context.WithCancel(ctx)
	seq, ok := conn.startMatch(cancel)
	if !ok {
		cancel()
		return conn.sendError(msg.Action, errorText(apperror.ErrAlreadyWaiting))
	}

	if err := conn.send(msg.Action, Payload{Status: statusWaiting}); err != nil {
		conn.finishMatch(seq)
		return err
	}

	go func() {
		defer conn.finishMatch(seq)

		session, err := that.games.FindMatch(matchCtx, player)
		if err != nil {
			if matchCtx.Err() != nil {
				return
			}

			log.Warn("matchmaking failed", "player", player.ID, "error", err)
			_ = conn.sendError(msg.Action, errorText(err))

			return
		}

		if err = conn.send(actionMatched, Payload{Session: session}); err != nil {
			log.Warn("failed to announce match", "player", player.ID, "error", err)
			return
		}

		if _, _, err = that.openSession(ctx, conn, player, session.ID); err != nil {
			log.Error("failed to open matched session", "session", session.ID, "error", err)
		}
	}()

	return nil
}

func (that *Server) handleQueueCancel(ctx context.Context, conn *connection, msg *Message) error {
	player, ok := conn.identity()
	if !ok {
		return conn.sendError(msg.Action, errorText(errIdentityRequired))
	}

	conn.stopMatch()

	if err := that.games.CancelMatch(ctx, player.ID); err != nil {
		_ = conn.sendError(msg.Action, errorText(err))
		return err
	}

	return conn.send(msg.Action, Payload{Status: statusCancelled})
}

// handleGameOpen answers with a game:update. A session opened earlier on this connection
// is re-read first.
func (that *Server) handleGameOpen(ctx context.Context, conn *connection, msg *Message) error {
	player, payload, ok := that.sessionRequest(conn, msg)
	if !ok {
		return nil
	}

	client, opened, err := that.openSession(ctx, conn, player, payload.SessionID)
	if err != nil {
		_ = conn.sendError(msg.Action, errorText(err))
		return err
	}

	if opened {
		return nil
	}

	changed, err := client.Resync(ctx)
	if err != nil {
		_ = conn.sendError(msg.Action, errorText(err))
		return err
	}

	// a newer session was already pushed by the observer
	if changed {
		return nil
	}

	view := client.View()

	return conn.send(actionGameUpdate, Payload{Session: view.Session, Pending: view.Pending})
}

// handleGameMove plays a position by name (t1..l3). The resulting views reach the player
// through the session's game:update pushes.
func (that *Server) handleGameMove(ctx context.Context, conn *connection, msg *Message) error {
	player, payload, ok := that.sessionRequest(conn, msg)
	if !ok {
		return nil
	}

	pos, err := entity.ParsePosition(payload.Position)
	if err != nil {
		return conn.sendError(msg.Action, errorText(err))
	}

	client, _, err := that.openSession(ctx, conn, player, payload.SessionID)
	if err != nil {
		return conn.sendError(msg.Action, errorText(err))
	}

	if _, err = client.Move(ctx, pos); err != nil {
		that.logger.Debug("move rejected", "player", player.ID, "position", payload.Position, "error", err)
		return conn.sendError(msg.Action, errorText(err))
	}

	return nil
}

func (that *Server) handleGameLeave(ctx context.Context, conn *connection, msg *Message) error {
	player, payload, ok := that.sessionRequest(conn, msg)
	if !ok {
		return nil
	}

	client, _, err := that.openSession(ctx, conn, player, payload.SessionID)
	if err != nil {
		return conn.sendError(msg.Action, errorText(err))
	}

	if _, err = client.Leave(ctx); err != nil {
		_ = conn.sendError(msg.Action, errorText(err))
		return err
	}

	return nil
}

// sessionRequest extracts the identity and a session id, answering the client itself when
// either is missing.
func (that *Server) sessionRequest(conn *connection, msg *Message) (entity.Player, Payload, bool) {
	player, ok := conn.identity()
	if !ok {
		_ = conn.sendError(msg.Action, errorText(errIdentityRequired))
		return entity.Player{}, Payload{}, false
	}

	payload, err := decodePayload(msg)
	if err != nil {
		_ = conn.sendError(msg.Action, "malformed payload")
		return entity.Player{}, Payload{}, false
	}

	if payload.SessionID == "" {
		_ = conn.sendError(msg.Action, "sessionId is required")
		return entity.Player{}, Payload{}, false
	}

	return player, payload, true
}

// openSession returns the connection's client for the session, opening it on first use.
// Every view change is pushed as game:update, the first one when opened reports true.
func (that *Server) openSession(ctx context.Context, conn *connection, player entity.Player, sessionID string) (*coordinator.Client, bool, error) {
	if client, ok := conn.client(sessionID); ok {
		return client, false, nil
	}

	client, err := coordinator.Open(ctx, that.logger, that.games, sessionID, player.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open session: %w", err)
	}

	if !conn.attach(client) {
		client.Close()

		existing, _ := conn.client(sessionID)

		return existing, false, nil
	}

	push := func(view coordinator.View) {
		if err := conn.send(actionGameUpdate, Payload{Session: view.Session, Pending: view.Pending}); err != nil {
			that.logger.Debug("failed to push game update", "session", sessionID, "error", err)
		}
	}

	client.OnChange(push)
	push(client.View())

	return client, true, nil
}
