package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rocketscienceinc/tictactoe-duel/internal/coordinator"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type gameService interface {
	coordinator.Backend

	NewPlayer(id, nickname string) entity.Player
	FindMatch(ctx context.Context, player entity.Player) (*entity.GameSession, error)
	CancelMatch(ctx context.Context, playerID string) error
	ActiveSession(ctx context.Context, playerID string) (*entity.GameSession, error)
}

type handlerFunc func(ctx context.Context, conn *connection, msg *Message) error

type Server struct {
	logger   *slog.Logger
	games    gameService
	upgrader websocket.Upgrader

	handlers map[string]handlerFunc
}

func New(logger *slog.Logger, games gameService) *Server {
	server := &Server{
		logger: logger.With("component", "websocket"),
		games:  games,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},

		handlers: make(map[string]handlerFunc),
	}

	server.handlers[actionHello] = server.handleHello
	server.handlers[actionQueueJoin] = server.handleQueueJoin
	server.handlers[actionQueueCancel] = server.handleQueueCancel
	server.handlers[actionGameOpen] = server.handleGameOpen
	server.handlers[actionGameMove] = server.handleGameMove
	server.handlers[actionGameLeave] = server.handleGameLeave

	return server
}

func (that *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		that.serveConnection(ctx, w, r)
	})

	return mux
}

// Start - starts WebSocket server. It returns once ctx is cancelled and the server has shut down.
func (that *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           that.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			that.logger.Error("failed to shut down websocket server", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func (that *Server) serveConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := that.logger.With("method", "serveConnection")

	ws, err := that.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade connection", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := newConnection(ws)

	defer func() {
		cancel()
		conn.close()
	}()

	// hijacked connections are not closed by Shutdown
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	log.Info("WebSocket connection established")

	that.handleMessages(ctx, conn)
}

// handleMessages - processes messages from the client until it disconnects.
func (that *Server) handleMessages(ctx context.Context, conn *connection) {
	log := that.logger.With("method", "handleMessages")

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn("error reading message", "error", err)
			}

			return
		}

		var message Message
		if err = json.Unmarshal(data, &message); err != nil {
			log.Warn("failed to unmarshal message", "error", err)
			_ = conn.sendError("", "malformed message")
			continue
		}

		handler, ok := that.handlers[message.Action]
		if !ok {
			log.Warn("unknown action", "action", message.Action)
			_ = conn.sendError(message.Action, "unknown action")
			continue
		}

		if err = handler(ctx, conn, &message); err != nil {
			log.Error("error processing message", "action", message.Action, "error", err)
		}
	}
}

// connection is the per-socket state. Handlers run on the read goroutine; pushes from
// coordinators and matchmaking arrive on others, so writes are serialized.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	player      *entity.Player
	clients     map[string]*coordinator.Client
	cancelMatch context.CancelFunc
	matchSeq    int
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:      ws,
		clients: make(map[string]*coordinator.Client),
	}
}

func (that *connection) send(action string, payload Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	that.writeMu.Lock()
	defer that.writeMu.Unlock()

	_ = that.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err = that.ws.WriteJSON(Message{Action: action, Payload: raw}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (that *connection) sendError(action, text string) error {
	return that.send(action, Payload{Error: text})
}

func (that *connection) identity() (entity.Player, bool) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.player == nil {
		return entity.Player{}, false
	}

	return *that.player, true
}

func (that *connection) setIdentity(player entity.Player) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.player = &player
}

func (that *connection) client(sessionID string) (*coordinator.Client, bool) {
	that.mu.Lock()
	defer that.mu.Unlock()

	client, ok := that.clients[sessionID]

	return client, ok
}

// attach keeps the first client opened for a session and reports whether client was kept.
func (that *connection) attach(client *coordinator.Client) bool {
	that.mu.Lock()
	defer that.mu.Unlock()

	if _, ok := that.clients[client.SessionID()]; ok {
		return false
	}

	that.clients[client.SessionID()] = client

	return true
}

// startMatch records the cancel func of a new search. It fails if one is running.
func (that *connection) startMatch(cancel context.CancelFunc) (int, bool) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.cancelMatch != nil {
		return 0, false
	}

	that.matchSeq++
	that.cancelMatch = cancel

	return that.matchSeq, true
}

// finishMatch releases the search seq if it is still the current one.
func (that *connection) finishMatch(seq int) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.matchSeq == seq && that.cancelMatch != nil {
		that.cancelMatch()
		that.cancelMatch = nil
	}
}

func (that *connection) stopMatch() {
	that.mu.Lock()
	cancel := that.cancelMatch
	that.cancelMatch = nil
	that.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (that *connection) close() {
	that.stopMatch()

	that.mu.Lock()
	clients := that.clients
	that.clients = make(map[string]*coordinator.Client)
	that.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}

	_ = that.ws.Close()
}
