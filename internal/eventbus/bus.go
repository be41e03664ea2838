// Package eventbus publishes run telemetry, keeps the bounded replay history
// and hands out live subscriptions that end on the first terminal event.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"missionctl/internal/broker"
	"missionctl/internal/model"
)

// Persister receives every published event after delivery. Implementations
// must tolerate being called once per publish; their errors are logged and
// otherwise ignored.
type Persister interface {
	RecordEvent(ctx context.Context, event model.Event) error
}

type PersisterFunc func(ctx context.Context, event model.Event) error

func (f PersisterFunc) RecordEvent(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

type Option func(*Bus)

func WithPersister(persister Persister) Option {
	return func(b *Bus) {
		if persister != nil {
			b.persisters = append(b.persisters, persister)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

type Bus struct {
	store      *Store
	client     broker.Client
	persisters []Persister
	logger     *slog.Logger
	now        func() time.Time
}

func New(client broker.Client, store *Store, options ...Option) *Bus {
	if store == nil {
		store = NewStore(client, "", 0, 0)
	}
	bus := &Bus{
		store:  store,
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Publish records event in the run history, fans it out to live subscribers
// and hands it to the persisters. Broker and persister failures are logged
// and swallowed so a broken telemetry path never aborts the caller. The
// stamped event is returned.
func (b *Bus) Publish(ctx context.Context, event model.Event) model.Event {
	event = event.Stamp(b.now())
	logger := b.logger.With("run_id", event.RunID, "event_type", string(event.Kind), "event_id", event.EventID)

	payload, err := event.Encode()
	if err != nil {
		logger.Error("event not publishable", "error", err)
		return event
	}
	if err := b.store.Append(ctx, event.RunID, payload); err != nil {
		logger.Error("append event history failed", "error", err)
	}
	if err := b.client.Publish(ctx, b.store.ChannelName(event.RunID), payload); err != nil {
		logger.Error("publish event failed", "error", err)
	}
	logger.Debug("event published", "title", event.Title)

	for _, persister := range b.persisters {
		if err := persister.RecordEvent(ctx, event); err != nil {
			logger.Warn("persist event failed", "error", err)
		}
	}
	return event
}

// History returns the retained events for runID, oldest first.
func (b *Bus) History(ctx context.Context, runID string) ([]model.Event, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return b.store.History(ctx, runID)
}

// Subscribe attaches to the live channel for runID. Events published after
// Subscribe returns are delivered in publish order.
func (b *Bus) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	sub, err := b.client.Subscribe(ctx, b.store.ChannelName(runID))
	if err != nil {
		return nil, err
	}
	return &Subscription{runID: runID, sub: sub, logger: b.logger.With("run_id", runID)}, nil
}

func (b *Bus) Healthy(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return fmt.Errorf("event bus unhealthy: %w", err)
	}
	return nil
}

func (b *Bus) Emit(ctx context.Context, runID string, kind model.EventKind, title string, description string, metadata map[string]any) model.Event {
	return b.Publish(ctx, model.Event{
		RunID:       runID,
		Kind:        kind,
		Title:       title,
		Description: description,
		Metadata:    metadata,
	})
}

func (b *Bus) EmitThought(ctx context.Context, runID string, thought string) model.Event {
	return b.Emit(ctx, runID, model.EventKindThoughtStream, "Thinking", thought, nil)
}

func (b *Bus) EmitCodeDiff(ctx context.Context, runID string, filepath string, before string, after string) model.Event {
	return b.Emit(ctx, runID, model.EventKindCodeDiff, "Proposed Fix: "+filepath, "", map[string]any{
		"filepath": filepath,
		"before":   before,
		"after":    after,
	})
}

func (b *Bus) EmitErrorLog(ctx context.Context, runID string, title string, log string) model.Event {
	return b.Emit(ctx, runID, model.EventKindErrorLog, title, log, nil)
}

// ErrSubscriptionDone is returned by Subscription.Next after the terminal
// event has been delivered or the subscription was closed.
var ErrSubscriptionDone = errors.New("subscription done")

// ErrLagged is returned by Subscription.Next when live events were dropped
// for a slow reader. The subscription stays usable; the missing events are
// still in history.
var ErrLagged = broker.ErrLagged

// Terminal reports whether delivering event ends a subscription.
func Terminal(event model.Event) bool {
	return event.Kind.IsTerminal()
}
