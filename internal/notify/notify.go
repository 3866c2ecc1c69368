// Package notify fans out store change events to subscribers of a parent collection.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

var ErrClosed = errors.New("notification bus is closed")

// Bus delivers events published for a parent to every subscriber of that parent.
// Delivery to one subscriber preserves publish order.
type Bus interface {
	Publish(ctx context.Context, event store.Event) error
	Subscribe(ctx context.Context, parent string, handler store.Handler) (store.Subscription, error)
	Close() error
}

// DedupPublisher is implemented by buses that store each id at most once, so a relay may
// publish the same event again after a failure.
type DedupPublisher interface {
	PublishWithID(ctx context.Context, id string, event store.Event) error
}

// Local is an in-process Bus. Every subscription owns an unbounded mailbox drained by
// its own goroutine, so Publish never blocks on a slow handler.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*mailbox
	nextID uint64
	closed bool
}

func NewLocal() *Local {
	return &Local{
		subs: make(map[string]map[uint64]*mailbox),
	}
}

func (that *Local) Publish(_ context.Context, event store.Event) error {
	that.mu.RLock()
	defer that.mu.RUnlock()

	if that.closed {
		return ErrClosed
	}

	for _, box := range that.subs[event.Parent] {
		box.push(event)
	}

	return nil
}

func (that *Local) Subscribe(ctx context.Context, parent string, handler store.Handler) (store.Subscription, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return nil, ErrClosed
	}

	that.nextID++
	id := that.nextID

	box := newMailbox(handler)
	if that.subs[parent] == nil {
		that.subs[parent] = make(map[uint64]*mailbox)
	}
	that.subs[parent][id] = box

	go box.run()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			that.mu.Lock()
			delete(that.subs[parent], id)
			that.mu.Unlock()

			box.close()
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-box.done:
			}
		}()
	}

	return store.SubscriptionFunc(unsubscribe), nil
}

func (that *Local) Close() error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return nil
	}
	that.closed = true

	for _, boxes := range that.subs {
		for _, box := range boxes {
			box.close()
		}
	}
	that.subs = nil

	return nil
}

type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []store.Event
	closed  bool
	handler store.Handler
	done    chan struct{}
}

func newMailbox(handler store.Handler) *mailbox {
	box := &mailbox{
		handler: handler,
		done:    make(chan struct{}),
	}
	box.cond = sync.NewCond(&box.mu)

	return box
}

func (that *mailbox) push(event store.Event) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return
	}

	that.queue = append(that.queue, event)
	that.cond.Signal()
}

func (that *mailbox) close() {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.closed {
		return
	}

	that.closed = true
	that.queue = nil
	that.cond.Signal()
}

func (that *mailbox) run() {
	defer close(that.done)

	for {
		that.mu.Lock()
		for len(that.queue) == 0 && !that.closed {
			that.cond.Wait()
		}

		if that.closed {
			that.mu.Unlock()
			return
		}

		event := that.queue[0]
		that.queue = that.queue[1:]
		that.mu.Unlock()

		that.handler(event)
	}
}
