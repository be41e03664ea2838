// Package stream bridges a pull-style event subscription onto push
// transports: history replay, live forwarding, idle keepalives and clean
// cancellation.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"missionctl/internal/eventbus"
	"missionctl/internal/model"
)

const (
	DefaultKeepalive = 15 * time.Second
	DefaultQueueSize = 64
)

type Source interface {
	History(ctx context.Context, runID string) ([]model.Event, error)
	Subscribe(ctx context.Context, runID string) (*eventbus.Subscription, error)
}

type Options struct {
	Keepalive time.Duration
	QueueSize int
	Logger    *slog.Logger
}

type Bridge struct {
	source    Source
	keepalive time.Duration
	queueSize int
	logger    *slog.Logger
}

func NewBridge(source Source, options Options) *Bridge {
	if options.Keepalive <= 0 {
		options.Keepalive = DefaultKeepalive
	}
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultQueueSize
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Bridge{
		source:    source,
		keepalive: options.Keepalive,
		queueSize: options.QueueSize,
		logger:    options.Logger,
	}
}

type queueItem struct {
	event model.Event
	done  bool
	err   error
}

// Serve streams runID to sink until the run completes, the subscription
// fails, the sink rejects a write or ctx is cancelled. Cancellation is a
// normal end and returns nil.
//
// History is read before subscribing so a finished run never opens a live
// subscription. For unfinished runs history is read a second time after the
// subscription is confirmed, which fills the gap between the two; anything
// seen in both places is forwarded once.
func (b *Bridge) Serve(ctx context.Context, runID string, sink Sink) error {
	logger := b.logger.With("run_id", runID)

	history, err := b.source.History(ctx, runID)
	if err != nil {
		_ = sink.WriteFrame(PseudoFrame(PseudoError, runID, err.Error()))
		return fmt.Errorf("replay history for %s: %w", runID, err)
	}
	seen := make(map[string]struct{}, len(history))
	complete, err := b.replay(sink, history, seen)
	if err != nil {
		return err
	}
	if complete {
		return sink.WriteFrame(PseudoFrame(PseudoComplete, runID, "Run already completed"))
	}
	if err := sink.WriteFrame(PseudoFrame(PseudoConnected, runID, "Connected to event stream")); err != nil {
		return err
	}

	sub, err := b.source.Subscribe(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			_ = sink.WriteFrame(PseudoFrame(PseudoDisconnected, runID, "Stream ended"))
			return nil
		}
		_ = sink.WriteFrame(PseudoFrame(PseudoError, runID, err.Error()))
		return fmt.Errorf("subscribe %s: %w", runID, err)
	}
	gap, err := b.source.History(ctx, runID)
	if err != nil {
		_ = sub.Close()
		_ = sink.WriteFrame(PseudoFrame(PseudoError, runID, err.Error()))
		return fmt.Errorf("refresh history for %s: %w", runID, err)
	}
	complete, err = b.replay(sink, gap, seen)
	if err != nil || complete {
		_ = sub.Close()
		if err != nil {
			return err
		}
		return sink.WriteFrame(PseudoFrame(PseudoComplete, runID, "Run completed"))
	}

	queue := make(chan queueItem, b.queueSize)
	readerCtx, cancelReader := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.read(readerCtx, sub, seen, queue)
	}()
	defer func() {
		cancelReader()
		wg.Wait()
	}()

	timer := time.NewTimer(b.keepalive)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = sink.WriteFrame(PseudoFrame(PseudoDisconnected, runID, "Stream ended"))
			logger.Debug("stream disconnected")
			return nil
		case <-timer.C:
			if err := sink.WriteFrame(KeepaliveFrame()); err != nil {
				return err
			}
			timer.Reset(b.keepalive)
		case item := <-queue:
			if item.done {
				if item.err != nil && !errors.Is(item.err, eventbus.ErrSubscriptionDone) {
					if ctx.Err() != nil {
						_ = sink.WriteFrame(PseudoFrame(PseudoDisconnected, runID, "Stream ended"))
						return nil
					}
					logger.Warn("live subscription failed", "error", item.err)
					_ = sink.WriteFrame(PseudoFrame(PseudoError, runID, item.err.Error()))
					return item.err
				}
				return sink.WriteFrame(PseudoFrame(PseudoComplete, runID, "Run completed"))
			}
			frame, err := EventFrame(item.event)
			if err != nil {
				return err
			}
			if err := sink.WriteFrame(frame); err != nil {
				return err
			}
			timer.Reset(b.keepalive)
		}
	}
}

// replay writes every event not yet in seen and reports whether a terminal
// event was among them.
func (b *Bridge) replay(sink Sink, events []model.Event, seen map[string]struct{}) (bool, error) {
	complete := false
	for _, event := range events {
		identity := event.Identity()
		if _, ok := seen[identity]; ok {
			continue
		}
		seen[identity] = struct{}{}
		frame, err := EventFrame(event)
		if err != nil {
			return false, err
		}
		if err := sink.WriteFrame(frame); err != nil {
			return false, err
		}
		if event.IsTerminal() {
			complete = true
		}
	}
	return complete, nil
}

// read drains sub into queue and always finishes with a done item unless ctx
// is cancelled first. seen is owned by the reader once it starts.
func (b *Bridge) read(ctx context.Context, sub *eventbus.Subscription, seen map[string]struct{}, queue chan<- queueItem) {
	defer sub.Close()
	for {
		event, err := sub.Next(ctx)
		if errors.Is(err, eventbus.ErrLagged) {
			if !b.resync(ctx, sub.RunID(), seen, queue) {
				return
			}
			continue
		}
		if err != nil {
			select {
			case queue <- queueItem{done: true, err: err}:
			case <-ctx.Done():
			}
			return
		}
		if _, ok := seen[event.Identity()]; ok {
			continue
		}
		seen[event.Identity()] = struct{}{}
		select {
		case queue <- queueItem{event: event}:
		case <-ctx.Done():
			return
		}
	}
}

// resync recovers live events dropped for a slow reader from history.
// Anything still buffered on the subscription is skipped later through seen.
// It reports whether reading should continue.
func (b *Bridge) resync(ctx context.Context, runID string, seen map[string]struct{}, queue chan<- queueItem) bool {
	b.logger.Warn("live stream lagged, resyncing from history", "run_id", runID)
	history, err := b.source.History(ctx, runID)
	if err != nil {
		select {
		case queue <- queueItem{done: true, err: fmt.Errorf("resync history for %s: %w", runID, err)}:
		case <-ctx.Done():
		}
		return false
	}
	for _, event := range history {
		if _, ok := seen[event.Identity()]; ok {
			continue
		}
		seen[event.Identity()] = struct{}{}
		select {
		case queue <- queueItem{event: event}:
		case <-ctx.Done():
			return false
		}
		if event.IsTerminal() {
			select {
			case queue <- queueItem{done: true}:
			case <-ctx.Done():
			}
			return false
		}
	}
	return true
}
