// Package store defines the contract of the shared record store: hierarchical paths of
// string fields, atomic multi-path transactions and child change notifications.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
)

var (
	ErrAbsent          = errors.New("record is absent")
	ErrConditionFailed = errors.New("transaction condition failed")
	ErrUnavailable     = errors.New("store is unavailable")
	ErrInvalidPath     = errors.New("invalid record path")
	ErrInvalidTxn      = errors.New("invalid transaction")
)

// Record is the set of fields stored under one path.
type Record map[string]string

func (that Record) Clone() Record {
	if that == nil {
		return nil
	}

	return maps.Clone(that)
}

// Merge returns existing overlaid with fields. Neither argument is modified.
func Merge(existing, fields Record) Record {
	merged := make(Record, len(existing)+len(fields))
	maps.Copy(merged, existing)
	maps.Copy(merged, fields)

	return merged
}

type ConditionKind string

const (
	CondExists ConditionKind = "exists"
	CondAbsent ConditionKind = "absent"
	CondEquals ConditionKind = "equals"
)

type Condition struct {
	Kind  ConditionKind `json:"kind"`
	Path  string        `json:"path"`
	Field string        `json:"field,omitempty"`
	Value string        `json:"value,omitempty"`
}

func Exists(path string) Condition {
	return Condition{Kind: CondExists, Path: path}
}

func Absent(path string) Condition {
	return Condition{Kind: CondAbsent, Path: path}
}

func FieldEquals(path, field, value string) Condition {
	return Condition{Kind: CondEquals, Path: path, Field: field, Value: value}
}

// Holds evaluates the condition against the current record (nil when absent).
func (that Condition) Holds(current Record) bool {
	switch that.Kind {
	case CondExists:
		return current != nil
	case CondAbsent:
		return current == nil
	case CondEquals:
		if current == nil {
			return false
		}
		value, ok := current[that.Field]
		return ok && value == that.Value
	default:
		return false
	}
}

// Write merges Fields into the record at Path, creating it when absent.
type Write struct {
	Path   string `json:"path"`
	Fields Record `json:"fields"`
}

// Txn is applied all-or-nothing: every condition must hold, then writes and removes are applied.
type Txn struct {
	Conditions []Condition `json:"conditions,omitempty"`
	Writes     []Write     `json:"writes,omitempty"`
	Removes    []string    `json:"removes,omitempty"`
}

func (that Txn) Validate() error {
	if len(that.Writes) == 0 && len(that.Removes) == 0 {
		return fmt.Errorf("%w: nothing to write or remove", ErrInvalidTxn)
	}

	for _, c := range that.Conditions {
		if err := ValidatePath(c.Path); err != nil {
			return err
		}
		if c.Kind == CondEquals && c.Field == "" {
			return fmt.Errorf("%w: equals condition on %s without field", ErrInvalidTxn, c.Path)
		}
	}

	for _, w := range that.Writes {
		if err := ValidatePath(w.Path); err != nil {
			return err
		}
		if len(w.Fields) == 0 {
			return fmt.Errorf("%w: write to %s without fields", ErrInvalidTxn, w.Path)
		}
	}

	for _, p := range that.Removes {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}

	return nil
}

// Paths returns every path the transaction touches, deduplicated, in first-seen order.
func (that Txn) Paths() []string {
	seen := make(map[string]struct{})
	var paths []string

	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	for _, c := range that.Conditions {
		add(c.Path)
	}
	for _, w := range that.Writes {
		add(w.Path)
	}
	for _, p := range that.Removes {
		add(p)
	}

	return paths
}

// Join builds a record path from its parent collection and key.
func Join(parent, key string) string {
	return parent + "/" + key
}

// Split returns the parent collection and key of a record path.
func Split(path string) (string, string, error) {
	if err := ValidatePath(path); err != nil {
		return "", "", err
	}

	parent, key, _ := strings.Cut(path, "/")

	return parent, key, nil
}

// ValidatePath accepts exactly two non-empty segments: "parent/key".
func ValidatePath(path string) error {
	parent, key, ok := strings.Cut(path, "/")
	if !ok || parent == "" || key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	return nil
}

type EventKind string

const (
	ChildAdded   EventKind = "child_added"
	ChildChanged EventKind = "child_changed"
	ChildRemoved EventKind = "child_removed"
)

// Event describes a change of one child of Parent. Record is the full record after
// the change, or the last known record for ChildRemoved.
type Event struct {
	Kind   EventKind `json:"kind"`
	Parent string    `json:"parent"`
	Key    string    `json:"key"`
	Record Record    `json:"record"`
}

type Handler func(Event)

type Subscription interface {
	Unsubscribe()
}

// Store is implemented by the memory, redis and postgres adapters.
type Store interface {
	Read(ctx context.Context, path string) (Record, error)
	Children(ctx context.Context, parent string) (map[string]Record, error)
	WriteAtomic(ctx context.Context, path string, fields Record) error
	Remove(ctx context.Context, path string) error
	Commit(ctx context.Context, txn Txn) error
	Subscribe(ctx context.Context, parent string, kind EventKind, handler Handler) (Subscription, error)
	Close() error
}

func OnChildAdded(ctx context.Context, s Store, parent string, handler Handler) (Subscription, error) {
	return s.Subscribe(ctx, parent, ChildAdded, handler)
}

func OnChildChanged(ctx context.Context, s Store, parent string, handler Handler) (Subscription, error) {
	return s.Subscribe(ctx, parent, ChildChanged, handler)
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (that SubscriptionFunc) Unsubscribe() {
	that()
}
