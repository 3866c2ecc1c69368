// Package redisstore stores records as hashes and publishes changes on one stream per parent.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rocketscienceinc/tictactoe-duel/internal/notify"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const (
	defaultPrefix       = "tictactoe:"
	defaultStreamMaxLen = 10000
	defaultBlock        = time.Second
	readBatch           = 64
)

type Options struct {
	KeyPrefix    string
	StreamMaxLen int64
	// Block bounds one XREAD call, and with it how long an Unsubscribe may take to settle.
	Block time.Duration
}

type Store struct {
	logger *slog.Logger
	client *redis.Client
	opts   Options
	bus    *notify.Local

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tails  map[string]*tailer
	closed bool
}

type tailer struct {
	refs   int
	cancel context.CancelFunc
}

// Connect dials redis and checks the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := conn.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return conn, nil
}

func New(logger *slog.Logger, client *redis.Client, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultPrefix
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = defaultStreamMaxLen
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		logger: logger.With("component", "redis-store"),
		client: client,
		opts:   opts,
		bus:    notify.NewLocal(),
		ctx:    ctx,
		cancel: cancel,
		tails:  make(map[string]*tailer),
	}
}

func (that *Store) Read(ctx context.Context, path string) (store.Record, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}

	fields, err := that.client.HGetAll(ctx, that.recordKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", store.ErrUnavailable, path, err)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrAbsent, path)
	}

	return fields, nil
}

func (that *Store) Children(ctx context.Context, parent string) (map[string]store.Record, error) {
	keys, err := that.client.SMembers(ctx, that.indexKey(parent)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %w", store.ErrUnavailable, parent, err)
	}

	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	if _, err = that.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			cmds[key] = pipe.HGetAll(ctx, that.recordKey(store.Join(parent, key)))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to read children of %s: %w", store.ErrUnavailable, parent, err)
	}

	children := make(map[string]store.Record, len(keys))
	for key, cmd := range cmds {
		// removed between SMEMBERS and HGETALL
		if len(cmd.Val()) == 0 {
			continue
		}
		children[key] = cmd.Val()
	}

	return children, nil
}

func (that *Store) WriteAtomic(ctx context.Context, path string, fields store.Record) error {
	return that.Commit(ctx, store.Txn{Writes: []store.Write{{Path: path, Fields: fields}}})
}

func (that *Store) Remove(ctx context.Context, path string) error {
	return that.Commit(ctx, store.Txn{Removes: []string{path}})
}

func (that *Store) Commit(ctx context.Context, txn store.Txn) error {
	if err := txn.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("could not marshal transaction: %w", err)
	}

	result, err := commitScript.Run(ctx, that.client, nil, payload, that.opts.KeyPrefix, that.opts.StreamMaxLen).Slice()
	if err != nil {
		return fmt.Errorf("%w: failed to run commit script: %w", store.ErrUnavailable, err)
	}

	if len(result) != 2 {
		return fmt.Errorf("%w: unexpected commit reply %v", store.ErrUnavailable, result)
	}

	if ok, _ := result[0].(int64); ok != 1 {
		return fmt.Errorf("%w: %v", store.ErrConditionFailed, result[1])
	}

	return nil
}

// Subscribe delivers the parent's events from its current end. All subscribers of one
// parent share a single stream reader, so blocking reads hold at most one pooled
// connection per parent.
func (that *Store) Subscribe(ctx context.Context, parent string, kind store.EventKind, handler store.Handler) (store.Subscription, error) {
	sub, err := that.bus.Subscribe(ctx, parent, func(event store.Event) {
		if event.Kind == kind {
			handler(event)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	if err = that.acquireTail(ctx, parent); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			sub.Unsubscribe()
			that.releaseTail(parent)
		})
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-done:
			}
		}()
	}

	return store.SubscriptionFunc(unsubscribe), nil
}

func (that *Store) acquireTail(ctx context.Context, parent string) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return fmt.Errorf("%w: store is closed", store.ErrUnavailable)
	}

	if t, ok := that.tails[parent]; ok {
		t.refs++
		return nil
	}

	stream := that.streamKey(parent)

	lastID := "0-0"
	last, err := that.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("%w: failed to read tail of %s: %w", store.ErrUnavailable, stream, err)
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	tailCtx, cancel := context.WithCancel(that.ctx)
	that.tails[parent] = &tailer{refs: 1, cancel: cancel}

	go that.tail(tailCtx, parent, stream, lastID)

	return nil
}

func (that *Store) releaseTail(parent string) {
	that.mu.Lock()
	defer that.mu.Unlock()

	t, ok := that.tails[parent]
	if !ok {
		return
	}

	t.refs--
	if t.refs > 0 {
		return
	}

	t.cancel()
	delete(that.tails, parent)
}

// tail reads the parent's stream and publishes every event on the local bus.
func (that *Store) tail(ctx context.Context, parent, stream, lastID string) {
	log := that.logger.With("method", "tail", "stream", stream)

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := that.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   readBatch,
			Block:   that.opts.Block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("failed to read stream", "error", err)
			time.Sleep(that.opts.Block)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID

				event, err := decodeEvent(parent, msg)
				if err != nil {
					log.Error("skipping malformed event", "id", msg.ID, "error", err)
					continue
				}

				if ctx.Err() != nil {
					return
				}

				if err = that.bus.Publish(ctx, event); err != nil {
					return
				}
			}
		}
	}
}

func decodeEvent(parent string, msg redis.XMessage) (store.Event, error) {
	kind, _ := msg.Values["kind"].(string)
	key, _ := msg.Values["key"].(string)
	raw, _ := msg.Values["record"].(string)

	var record store.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return store.Event{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return store.Event{
		Kind:   store.EventKind(kind),
		Parent: parent,
		Key:    key,
		Record: record,
	}, nil
}

// Close stops every stream reader and closes the client.
func (that *Store) Close() error {
	that.mu.Lock()
	that.closed = true
	that.tails = nil
	that.mu.Unlock()

	that.cancel()
	_ = that.bus.Close()

	return that.client.Close()
}

func (that *Store) recordKey(path string) string {
	return that.opts.KeyPrefix + "rec:" + path
}

func (that *Store) indexKey(parent string) string {
	return that.opts.KeyPrefix + "idx:" + parent
}

func (that *Store) streamKey(parent string) string {
	return that.opts.KeyPrefix + "events:" + parent
}
