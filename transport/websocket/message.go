package websocket

import (
	"encoding/json"

	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

const (
	actionHello       = "player:hello"
	actionQueueJoin   = "queue:join"
	actionQueueCancel = "queue:cancel"
	actionGameOpen    = "game:open"
	actionGameMove    = "game:move"
	actionGameLeave   = "game:leave"
	actionGameUpdate  = "game:update"
	actionMatched     = "queue:matched"
)

const (
	statusWaiting   = "waiting"
	statusCancelled = "cancelled"
)

// Message represents a WebSocket message with an action type and a payload.
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Payload struct {
	Player    *entity.Player      `json:"player,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Position  string              `json:"position,omitempty"`
	Session   *entity.GameSession `json:"session,omitempty"`
	Pending   bool                `json:"pending,omitempty"`
	Status    string              `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}
