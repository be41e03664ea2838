package eventbus

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"missionctl/internal/broker"
	"missionctl/internal/model"
)

// Subscription is a pull-style view of one run's live channel. It is not
// safe for concurrent Next calls. The underlying channel subscription is
// released when a terminal event is delivered, when Next fails for any
// reason and when Close is called. Close may be called from any goroutine.
type Subscription struct {
	runID  string
	sub    broker.Subscription
	logger *slog.Logger

	done      atomic.Bool
	closeOnce sync.Once
}

func (s *Subscription) RunID() string {
	return s.runID
}

func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	if s.done.Load() {
		return model.Event{}, ErrSubscriptionDone
	}
	for {
		payload, err := s.sub.Receive(ctx)
		if errors.Is(err, broker.ErrLagged) {
			return model.Event{}, ErrLagged
		}
		if err != nil {
			s.finish()
			if errors.Is(err, broker.ErrClosed) {
				return model.Event{}, ErrSubscriptionDone
			}
			return model.Event{}, err
		}
		event, err := model.DecodeEvent(payload)
		if err != nil {
			s.finish()
			return model.Event{}, err
		}
		if event.RunID != s.runID {
			s.logger.Warn("dropping event for foreign run", "event_run_id", event.RunID)
			continue
		}
		if Terminal(event) {
			s.finish()
		}
		return event, nil
	}
}

// Events adapts the subscription to a range-over-func sequence. Breaking out
// of the loop closes the subscription. ErrLagged is yielded without ending
// the sequence.
func (s *Subscription) Events(ctx context.Context) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		defer s.Close()
		for {
			event, err := s.Next(ctx)
			if errors.Is(err, ErrSubscriptionDone) {
				return
			}
			if err != nil {
				if !yield(model.Event{}, err) || !errors.Is(err, ErrLagged) {
					return
				}
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

func (s *Subscription) Close() error {
	s.done.Store(true)
	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Close()
	})
	return err
}

func (s *Subscription) finish() {
	if err := s.Close(); err != nil {
		s.logger.Warn("close subscription failed", "error", err)
	}
}
