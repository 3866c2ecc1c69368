// Package suite starts disposable backing services for integration tests.
package suite

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"
)

const (
	containerTTL    = 120 // seconds before docker kills a leaked container
	maxWaitDuration = 120 * time.Second
)

const (
	redisImage = "redis"
	redisTag   = "7-alpine"
	redisPort  = "6379/tcp"
)

type Suite struct {
	*testing.T
	Logger *slog.Logger

	Storage   *redis.Client
	RedisAddr string
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New starts a disposable redis container and returns a flushed client for it.
func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), maxWaitDuration)
	t.Cleanup(cancel)

	addr := startRedis(t)

	st := &Suite{
		T:         t,
		Logger:    newLogger(),
		RedisAddr: addr,
	}
	st.Storage = st.NewClient(nil)

	if err := st.Storage.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}

	return ctx, st
}

// NewClient returns another client of the suite's redis, closed on cleanup. configure may
// adjust the options, e.g. to shrink the pool.
func (that *Suite) NewClient(configure func(*redis.Options)) *redis.Client {
	opts := &redis.Options{Addr: that.RedisAddr}
	if configure != nil {
		configure(opts)
	}

	client := redis.NewClient(opts)
	that.Cleanup(func() { _ = client.Close() })

	return client
}

func startRedis(t *testing.T) string {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("failed to connect to docker: %v", err)
	}
	pool.MaxWait = maxWaitDuration

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: redisImage,
		Tag:        redisTag,
	}, func(host *docker.HostConfig) {
		host.AutoRemove = true
		host.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("failed to purge redis container: %v", err)
		}
	})

	_ = resource.Expire(containerTTL)

	addr := resource.GetHostPort(redisPort)

	// the server may need a moment before it accepts connections
	if err = pool.Retry(func() error {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()

		return client.Ping(context.Background()).Err()
	}); err != nil {
		t.Fatalf("failed to reach redis at %s: %v", addr, err)
	}

	return addr
}
