// Package memory is a single-process store used by tests and the "memory" store driver.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rocketscienceinc/tictactoe-duel/internal/notify"
	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

type Store struct {
	mu      sync.Mutex
	records map[string]map[string]store.Record
	bus     *notify.Local
	closed  bool
}

func New() *Store {
	return &Store{
		records: make(map[string]map[string]store.Record),
		bus:     notify.NewLocal(),
	}
}

func (that *Store) Read(_ context.Context, path string) (store.Record, error) {
	parent, key, err := store.Split(path)
	if err != nil {
		return nil, err
	}

	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return nil, store.ErrUnavailable
	}

	record, ok := that.records[parent][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrAbsent, path)
	}

	return record.Clone(), nil
}

func (that *Store) Children(_ context.Context, parent string) (map[string]store.Record, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return nil, store.ErrUnavailable
	}

	children := make(map[string]store.Record, len(that.records[parent]))
	for key, record := range that.records[parent] {
		children[key] = record.Clone()
	}

	return children, nil
}

func (that *Store) WriteAtomic(ctx context.Context, path string, fields store.Record) error {
	return that.Commit(ctx, store.Txn{Writes: []store.Write{{Path: path, Fields: fields}}})
}

func (that *Store) Remove(ctx context.Context, path string) error {
	return that.Commit(ctx, store.Txn{Removes: []string{path}})
}

// Commit evaluates and applies the transaction under one lock. Events are queued on the bus
// before the lock is released so subscribers observe commits in order.
func (that *Store) Commit(ctx context.Context, txn store.Txn) error {
	if err := txn.Validate(); err != nil {
		return err
	}

	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return store.ErrUnavailable
	}

	for _, cond := range txn.Conditions {
		if !cond.Holds(that.get(cond.Path)) {
			return fmt.Errorf("%w: %s %s", store.ErrConditionFailed, cond.Kind, cond.Path)
		}
	}

	var events []store.Event

	for _, write := range txn.Writes {
		parent, key, _ := store.Split(write.Path)

		kind := store.ChildChanged
		existing, ok := that.records[parent][key]
		if !ok {
			kind = store.ChildAdded
		}

		merged := store.Merge(existing, write.Fields)
		if that.records[parent] == nil {
			that.records[parent] = make(map[string]store.Record)
		}
		that.records[parent][key] = merged

		events = append(events, store.Event{Kind: kind, Parent: parent, Key: key, Record: merged.Clone()})
	}

	for _, path := range txn.Removes {
		parent, key, _ := store.Split(path)

		existing, ok := that.records[parent][key]
		if !ok {
			continue
		}
		delete(that.records[parent], key)

		events = append(events, store.Event{Kind: store.ChildRemoved, Parent: parent, Key: key, Record: existing})
	}

	for _, event := range events {
		if err := that.bus.Publish(ctx, event); err != nil {
			return fmt.Errorf("failed to publish %s event: %w", event.Kind, err)
		}
	}

	return nil
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

func (that *Store) Close() error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return nil
	}
	that.closed = true

	return that.bus.Close()
}

func (that *Store) get(path string) store.Record {
	parent, key, err := store.Split(path)
	if err != nil {
		return nil
	}

	return that.records[parent][key]
}
