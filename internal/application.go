package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rocketscienceinc/tictactoe-duel/internal/config"
	"github.com/rocketscienceinc/tictactoe-duel/internal/matchmaking"
	"github.com/rocketscienceinc/tictactoe-duel/internal/notify"
	"github.com/rocketscienceinc/tictactoe-duel/internal/notify/natsbus"
	"github.com/rocketscienceinc/tictactoe-duel/internal/repository"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store/memory"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store/pgstore"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store/redisstore"
	"github.com/rocketscienceinc/tictactoe-duel/internal/usecase"
	"github.com/rocketscienceinc/tictactoe-duel/transport/rest"
	"github.com/rocketscienceinc/tictactoe-duel/transport/websocket"
)

var ErrAddrNotFound = errors.New("redis address string is empty")

// RunApp - runs the application.
func RunApp(logger *slog.Logger, conf *config.Config) error {
	log := logger.With("component", "app")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	recordStore, err := newStore(ctx, logger, conf)
	if err != nil {
		return fmt.Errorf("could not open %s store: %w", conf.Store.Driver, err)
	}

	defer func() {
		if err = recordStore.Close(); err != nil {
			log.Error("could not close store", "error", err)
		}
	}()

	sessionRepo := repository.NewSessionRepository(logger, recordStore)
	waitingRepo := repository.NewWaitingRepository(logger, recordStore)
	queue := matchmaking.NewQueue(logger, waitingRepo, sessionRepo,
		matchmaking.WithPairAttempts(conf.Matchmaking.PairAttempts))
	gameManager := usecase.NewGameManager(logger, queue, sessionRepo)

	// run HTTP server
	httpErrCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "port", conf.HTTPPort)
		if httpErr := rest.New(logger, gameManager).Start(ctx, conf.HTTPPort); httpErr != nil {
			log.Error("HTTP server error", "error", httpErr)
			httpErrCh <- httpErr
		}
	}()

	// run Websocket server
	wsErrCh := make(chan error, 1)
	go func() {
		log.Info("Starting WebSocket server", "port", conf.SocketPort)
		wsServer := websocket.New(logger, gameManager)
		if wsErr := wsServer.Start(ctx, conf.SocketPort); wsErr != nil {
			log.Error("WebSocket server error", "error", wsErr)
			wsErrCh <- wsErr
		}
	}()

	select {
	case err = <-httpErrCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case err = <-wsErrCh:
		return fmt.Errorf("WebSocket server error: %w", err)
	case <-ctx.Done():
		log.Info("Application context canceled, shutting down")
		return nil
	}
}

func newStore(ctx context.Context, logger *slog.Logger, conf *config.Config) (store.Store, error) {
	switch conf.Store.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory store, state is lost on exit and not shared between instances")
		return memory.New(), nil

	case config.DriverPostgres:
		if err := pgstore.Migrate(conf.Postgres.DSN, logger); err != nil {
			return nil, fmt.Errorf("could not migrate postgres: %w", err)
		}

		pool, err := pgstore.Connect(ctx, conf.Postgres.DSN, conf.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}

		var bus notify.Bus = notify.NewLocal()
		if conf.NATS.URL != "" {
			conn, err := natsbus.Connect(conf.NATS.URL)
			if err != nil {
				pool.Close()
				return nil, err
			}

			if bus, err = natsbus.New(logger, conn, conf.NATS.SubjectPrefix); err != nil {
				conn.Close()
				pool.Close()
				return nil, err
			}
		}

		recordStore, err := pgstore.New(ctx, logger, pool, bus)
		if err != nil {
			_ = bus.Close()
			pool.Close()
			return nil, err
		}

		return recordStore, nil

	default:
		redisAddrString := conf.Redis.GetRedisAddr()
		if conf.Redis.Host == "" {
			return nil, ErrAddrNotFound
		}

		client, err := redisstore.Connect(ctx, redisAddrString, conf.Redis.Password, conf.Redis.DB)
		if err != nil {
			return nil, err
		}

		return redisstore.New(logger, client, redisstore.Options{
			KeyPrefix:    conf.Redis.KeyPrefix,
			StreamMaxLen: conf.Redis.StreamMaxLen,
			Block:        conf.Redis.SubscribeBlock,
		}), nil
	}
}
