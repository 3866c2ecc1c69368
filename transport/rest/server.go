package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

const shutdownTimeout = 5 * time.Second

type gameService interface {
	GetSession(ctx context.Context, sessionID string) (*entity.GameSession, error)
	MakeMove(ctx context.Context, sessionID, playerID string, pos entity.Position) (*entity.GameSession, error)
}

type Server struct {
	logger *slog.Logger
	games  gameService
}

func New(logger *slog.Logger, games gameService) *Server {
	return &Server{
		logger: logger.With("component", "rest"),
		games:  games,
	}
}

func (that *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", that.handlePing)
	mux.HandleFunc("GET /games/{id}", that.handleGetSession)
	mux.HandleFunc("POST /games/{id}/moves", that.handleMakeMove)

	return mux
}

// Start serves until ctx is cancelled.
func (that *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      that.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			that.logger.Error("failed to shut down HTTP server", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}
