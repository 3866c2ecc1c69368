package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	LogLevel    string      `yaml:"log-level" env:"LOG_LEVEL" env-default:"info"`
	HTTPPort    string      `yaml:"http-port" env:"HTTP_PORT" env-default:"9090"`
	SocketPort  string      `yaml:"socket-port" env:"SOCKET_PORT" env-default:"9091"`
	Store       Store       `yaml:"store"`
	Redis       Redis       `yaml:"redis"`
	Postgres    Postgres    `yaml:"postgres"`
	NATS        NATS        `yaml:"nats"`
	Matchmaking Matchmaking `yaml:"matchmaking"`
}

type Store struct {
	Driver string `yaml:"driver" env:"STORE_DRIVER" env-default:"redis"`
}

type Redis struct {
	Host           string        `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port           string        `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password       string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB             int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix      string        `yaml:"key-prefix" env:"REDIS_KEY_PREFIX" env-default:"tictactoe:"`
	StreamMaxLen   int64         `yaml:"stream-max-len" env:"REDIS_STREAM_MAX_LEN" env-default:"10000"`
	SubscribeBlock time.Duration `yaml:"subscribe-block" env:"REDIS_SUBSCRIBE_BLOCK" env-default:"1s"`
}

type Postgres struct {
	DSN      string `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConns int32  `yaml:"max-conns" env:"POSTGRES_MAX_CONNS" env-default:"10"`
}

// NATS carries store change events between instances when the postgres driver is used.
// An empty URL keeps events in process.
type NATS struct {
	URL           string `yaml:"url" env:"NATS_URL"`
	SubjectPrefix string `yaml:"subject-prefix" env:"NATS_SUBJECT_PREFIX" env-default:"tictactoe.store"`
}

type Matchmaking struct {
	PairAttempts int `yaml:"pair-attempts" env:"MATCHMAKING_PAIR_ATTEMPTS" env-default:"3"`
}

// MustLoad - load all configurations in config.yml file.
func MustLoad(path string) *Config {
	config, err := Load(path)
	if err != nil {
		panic(err)
	}

	return config
}

func Load(path string) (*Config, error) {
	config := &Config{}

	if err := cleanenv.ReadConfig(path, config); err != nil {
		return nil, fmt.Errorf("unable to load config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func (that *Config) Validate() error {
	switch that.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if that.Postgres.DSN == "" {
			return errors.New("postgres driver requires postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown store driver %q", that.Store.Driver)
	}

	if that.Matchmaking.PairAttempts < 1 {
		return fmt.Errorf("matchmaking.pair-attempts must be positive, got %d", that.Matchmaking.PairAttempts)
	}

	return nil
}

func (that *Redis) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", that.Host, that.Port)
}
