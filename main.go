package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	app "github.com/rocketscienceinc/tictactoe-duel/internal"
	"github.com/rocketscienceinc/tictactoe-duel/internal/config"
)

func main() {
	defer func() {
		if err := recover(); err != nil {
			fmt.Fprintf(os.Stderr, "recovered from panic: %v\n", err)
			os.Exit(1)
		}
	}()

	configPath := flag.String("config", "config.yml", "path to the YAML config; environment variables override it")
	flag.Parse()

	conf := config.MustLoad(*configPath)

	logger, err := newLogger(conf.LogLevel)
	if err != nil {
		panic(err)
	}

	logger.Info("starting tictactoe-duel", "store", conf.Store.Driver, "http", conf.HTTPPort, "ws", conf.SocketPort)

	if err = app.RunApp(logger, conf); err != nil {
		panic(fmt.Errorf("app run failed: %w", err))
	}
}

// newLogger accepts the slog level names (debug, info, warn, error).
func newLogger(levelName string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
}
