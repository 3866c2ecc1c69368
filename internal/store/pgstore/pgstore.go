// Package pgstore keeps records as JSONB rows. Every commit appends its change events to
// an outbox table in the same transaction; a relay forwards them to a notify.Bus, so an
// event is lost neither by a crash after commit nor by a failed publish.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rocketscienceinc/tictactoe-duel/internal/notify"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const uniqueViolation = "23505"

const (
	selectForUpdate = `SELECT fields FROM records WHERE parent = $1 AND key = $2 FOR UPDATE`

	insertRecord = `INSERT INTO records (parent, key, fields) VALUES ($1, $2, $3) RETURNING fields`

	upsertRecord = `
INSERT INTO records (parent, key, fields) VALUES ($1, $2, $3)
ON CONFLICT (parent, key) DO UPDATE
SET fields = records.fields || EXCLUDED.fields, updated_at = now()
RETURNING fields, (xmax = 0) AS inserted`

	deleteRecord = `DELETE FROM records WHERE parent = $1 AND key = $2 RETURNING fields`

	// appends are serialized so event ids become visible in commit order
	lockOutbox  = `SELECT pg_advisory_xact_lock($1)`
	insertEvent = `INSERT INTO record_events (parent, kind, key, fields) VALUES ($1, $2, $3, $4)`
	notifyRelay = `SELECT pg_notify($1, '')`

	lastEventID  = `SELECT COALESCE(MAX(id), 0) FROM record_events`
	selectEvents = `SELECT id, parent, kind, key, fields FROM record_events WHERE id > $1 ORDER BY id LIMIT $2`
	pruneEvents  = `DELETE FROM record_events WHERE created_at < $1`
)

const (
	eventsChannel = "record_events"
	outboxLockKey = 0x7474_6f75_7462 // "ttoutb"

	relayBatch     = 128
	relayPoll      = time.Second
	publishTimeout = 5 * time.Second
	pruneInterval  = time.Minute
	eventRetention = time.Hour
)

type Store struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
	bus    notify.Bus

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect opens a pool and checks the connection.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return pool, nil
}

// New starts the outbox relay, which runs until ctx ends or the store is closed. Only
// events committed after New returns are relayed.
func New(ctx context.Context, logger *slog.Logger, pool *pgxpool.Pool, bus notify.Bus) (*Store, error) {
	var cursor int64
	if err := pool.QueryRow(ctx, lastEventID).Scan(&cursor); err != nil {
		return nil, fmt.Errorf("%w: failed to read outbox position: %w", store.ErrUnavailable, err)
	}

	relayCtx, cancel := context.WithCancel(ctx)

	that := &Store{
		logger: logger.With("component", "postgres-store"),
		pool:   pool,
		bus:    bus,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go that.relay(relayCtx, cursor)

	return that, nil
}

func (that *Store) Read(ctx context.Context, path string) (store.Record, error) {
	parent, key, err := store.Split(path)
	if err != nil {
		return nil, err
	}

	var record store.Record
	err = that.pool.QueryRow(ctx, `SELECT fields FROM records WHERE parent = $1 AND key = $2`, parent, key).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrAbsent, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", store.ErrUnavailable, path, err)
	}

	return record, nil
}

func (that *Store) Children(ctx context.Context, parent string) (map[string]store.Record, error) {
	rows, err := that.pool.Query(ctx, `SELECT key, fields FROM records WHERE parent = $1`, parent)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %w", store.ErrUnavailable, parent, err)
	}
	defer rows.Close()

	children := make(map[string]store.Record)
	for rows.Next() {
		var (
			key    string
			record store.Record
		)
		if err = rows.Scan(&key, &record); err != nil {
			return nil, fmt.Errorf("%w: failed to scan %s child: %w", store.ErrUnavailable, parent, err)
		}
		children[key] = record
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %w", store.ErrUnavailable, parent, err)
	}

	return children, nil
}

func (that *Store) WriteAtomic(ctx context.Context, path string, fields store.Record) error {
	return that.Commit(ctx, store.Txn{Writes: []store.Write{{Path: path, Fields: fields}}})
}

func (that *Store) Remove(ctx context.Context, path string) error {
	return that.Commit(ctx, store.Txn{Removes: []string{path}})
}

// Commit runs the transaction in one database transaction. Existing rows are locked in
// path order; a path guarded by an absent condition is created with a plain INSERT so a
// concurrent creator surfaces as a unique violation.
func (that *Store) Commit(ctx context.Context, txn store.Txn) error {
	if err := txn.Validate(); err != nil {
		return err
	}

	events, err := that.commit(ctx, txn)
	if err != nil {
		return err
	}

	if len(events) > 0 {
		that.signal()
	}

	return nil
}

func (that *Store) commit(ctx context.Context, txn store.Txn) ([]store.Event, error) {
	tx, err := that.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	paths := txn.Paths()
	slices.Sort(paths)

	current := make(map[string]store.Record, len(paths))
	for _, path := range paths {
		parent, key, _ := store.Split(path)

		var record store.Record
		err = tx.QueryRow(ctx, selectForUpdate, parent, key).Scan(&record)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			current[path] = nil
		case err != nil:
			return nil, fmt.Errorf("%w: failed to lock %s: %w", store.ErrUnavailable, path, err)
		default:
			current[path] = record
		}
	}

	mustCreate := make(map[string]bool)
	for _, cond := range txn.Conditions {
		if !cond.Holds(current[cond.Path]) {
			return nil, fmt.Errorf("%w: %s %s", store.ErrConditionFailed, cond.Kind, cond.Path)
		}
		if cond.Kind == store.CondAbsent {
			mustCreate[cond.Path] = true
		}
	}

	var events []store.Event

	for _, write := range txn.Writes {
		parent, key, _ := store.Split(write.Path)

		var (
			record   store.Record
			inserted = true
		)

		if mustCreate[write.Path] {
			err = tx.QueryRow(ctx, insertRecord, parent, key, write.Fields).Scan(&record)
			mustCreate[write.Path] = false
		} else {
			err = tx.QueryRow(ctx, upsertRecord, parent, key, write.Fields).Scan(&record, &inserted)
		}

		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, fmt.Errorf("%w: absent %s", store.ErrConditionFailed, write.Path)
			}
			return nil, fmt.Errorf("%w: failed to write %s: %w", store.ErrUnavailable, write.Path, err)
		}

		kind := store.ChildChanged
		if inserted {
			kind = store.ChildAdded
		}
		events = append(events, store.Event{Kind: kind, Parent: parent, Key: key, Record: record})
	}

	for _, path := range txn.Removes {
		parent, key, _ := store.Split(path)

		var record store.Record
		err = tx.QueryRow(ctx, deleteRecord, parent, key).Scan(&record)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to remove %s: %w", store.ErrUnavailable, path, err)
		}

		events = append(events, store.Event{Kind: store.ChildRemoved, Parent: parent, Key: key, Record: record})
	}

	if len(events) > 0 {
		if err = appendEvents(ctx, tx, events); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %w", store.ErrConditionFailed, err)
		}
		return nil, fmt.Errorf("%w: failed to commit: %w", store.ErrUnavailable, err)
	}

	return events, nil
}

func (that *Store) Subscribe(ctx context.Context, parent string, kind store.EventKind, handler store.Handler) (store.Subscription, error) {
	sub, err := that.bus.Subscribe(ctx, parent, func(event store.Event) {
		if event.Kind == kind {
			handler(event)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	return sub, nil
}

func appendEvents(ctx context.Context, tx pgx.Tx, events []store.Event) error {
	if _, err := tx.Exec(ctx, lockOutbox, int64(outboxLockKey)); err != nil {
		return fmt.Errorf("%w: failed to lock outbox: %w", store.ErrUnavailable, err)
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(insertEvent, event.Parent, string(event.Kind), event.Key, event.Record)
	}
	batch.Queue(notifyRelay, eventsChannel)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: failed to append events: %w", store.ErrUnavailable, err)
	}

	return nil
}

func (that *Store) signal() {
	select {
	case that.wake <- struct{}{}:
	default:
	}
}

// relay forwards outbox rows past cursor to the bus in id order. A row is passed only once
// the bus accepted it; a failure is retried from the same row.
func (that *Store) relay(ctx context.Context, cursor int64) {
	defer close(that.done)

	go that.listen(ctx)

	poll := time.NewTicker(relayPoll)
	defer poll.Stop()

	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		cursor = that.forward(ctx, cursor)

		select {
		case <-ctx.Done():
			return
		case <-that.wake:
		case <-poll.C:
		case <-prune.C:
			that.prune(ctx)
		}
	}
}

func (that *Store) forward(ctx context.Context, cursor int64) int64 {
	log := that.logger.With("method", "forward")

	for ctx.Err() == nil {
		rows, err := that.pool.Query(ctx, selectEvents, cursor, relayBatch)
		if err != nil {
			log.Error("failed to read outbox", "error", err)
			return cursor
		}

		type outboxRow struct {
			id    int64
			event store.Event
		}

		var batch []outboxRow
		for rows.Next() {
			var (
				row  outboxRow
				kind string
			)
			if err = rows.Scan(&row.id, &row.event.Parent, &kind, &row.event.Key, &row.event.Record); err != nil {
				break
			}
			row.event.Kind = store.EventKind(kind)
			batch = append(batch, row)
		}
		rows.Close()

		if err == nil {
			err = rows.Err()
		}
		if err != nil {
			log.Error("failed to scan outbox", "error", err)
			return cursor
		}

		for _, row := range batch {
			if err = that.publish(ctx, row.id, row.event); err != nil {
				if ctx.Err() == nil {
					log.Warn("failed to relay event, retrying", "id", row.id, "key", row.event.Key, "error", err)
				}
				return cursor
			}
			cursor = row.id
		}

		if len(batch) < relayBatch {
			return cursor
		}
	}

	return cursor
}

func (that *Store) publish(ctx context.Context, id int64, event store.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if dedup, ok := that.bus.(notify.DedupPublisher); ok {
		return dedup.PublishWithID(ctx, strconv.FormatInt(id, 10), event)
	}

	return that.bus.Publish(ctx, event)
}

func (that *Store) prune(ctx context.Context) {
	tag, err := that.pool.Exec(ctx, pruneEvents, time.Now().Add(-eventRetention))
	if err != nil {
		that.logger.Warn("failed to prune outbox", "error", err)
		return
	}

	if tag.RowsAffected() > 0 {
		that.logger.Debug("pruned outbox", "rows", tag.RowsAffected())
	}
}

// listen wakes the relay on commits made by any instance. The poll in relay covers
// notifications missed while reconnecting.
func (that *Store) listen(ctx context.Context) {
	for ctx.Err() == nil {
		err := that.waitForCommits(ctx)
		if ctx.Err() != nil {
			return
		}

		that.logger.Warn("outbox listener stopped, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(relayPoll):
		}
	}
}

func (that *Store) waitForCommits(ctx context.Context) error {
	conn, err := that.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}

	// the listening session is not returned to the pool
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err = conn.Exec(ctx, "LISTEN "+eventsChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", eventsChannel, err)
	}

	// commits made while the listener was down
	that.signal()

	for {
		if _, err = conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("failed to wait for notification: %w", err)
		}

		that.signal()
	}
}

// Close stops the relay and releases the pool and the bus.
func (that *Store) Close() error {
	that.cancel()
	<-that.done

	that.pool.Close()

	return that.bus.Close()
}
