// Package natsbus carries store change events over a NATS JetStream stream, one subject
// per parent. Subscribers read through ordered consumers, which resume after a reconnect
// from the last sequence they saw.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rocketscienceinc/tictactoe-duel/internal/store"
)

const (
	defaultSubjectPrefix = "tictactoe.store"

	publishTimeout = 5 * time.Second
	streamMaxAge   = time.Hour
	// publishes repeating an id inside this window are dropped by the server
	dedupWindow = 10 * time.Minute
)

type Bus struct {
	logger *slog.Logger
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("tictactoe-duel"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return conn, nil
}

// New makes sure the event stream for subjectPrefix exists.
func New(logger *slog.Logger, conn *nats.Conn, subjectPrefix string) (*Bus, error) {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}

	config := &nats.StreamConfig{
		Name:       streamName(subjectPrefix),
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		Duplicates: dedupWindow,
	}

	if _, err = js.AddStream(config); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create stream %s: %w", config.Name, err)
		}
		if _, err = js.UpdateStream(config); err != nil {
			return nil, fmt.Errorf("failed to update stream %s: %w", config.Name, err)
		}
	}

	return &Bus{
		logger: logger.With("component", "natsbus"),
		conn:   conn,
		js:     js,
		prefix: subjectPrefix,
	}, nil
}

func streamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix))
}

func (that *Bus) subject(parent string) string {
	return that.prefix + "." + parent
}

func (that *Bus) Publish(ctx context.Context, event store.Event) error {
	return that.PublishWithID(ctx, "", event)
}

// PublishWithID waits for the stream to persist the event. Publishing an id again within
// the dedup window is acknowledged without storing a second copy.
func (that *Bus) PublishWithID(ctx context.Context, id string, event store.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	// a JetStream publish needs a deadline to wait for the acknowledgement
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id != "" {
		opts = append(opts, nats.MsgId(id))
	}

	if _, err = that.js.Publish(that.subject(event.Parent), data, opts...); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Subscribe delivers every event stored after it returns.
func (that *Bus) Subscribe(ctx context.Context, parent string, handler store.Handler) (store.Subscription, error) {
	log := that.logger.With("method", "Subscribe", "parent", parent)

	sub, err := that.js.Subscribe(that.subject(parent), func(msg *nats.Msg) {
		var event store.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error("skipping malformed event", "error", err)
			return
		}

		handler(event)
	}, nats.OrderedConsumer(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", parent, err)
	}

	if err = sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to lift pending limits: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			err := sub.Unsubscribe()
			if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				log.Error("failed to unsubscribe", "error", err)
			}
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

func (that *Bus) Close() error {
	if err := that.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	return nil
}
