package eventbus

import (
	"context"
	"fmt"
	"time"

	"missionctl/internal/broker"
	"missionctl/internal/model"
)

const (
	DefaultKeyPrefix    = "talos"
	DefaultHistoryLimit = 100
	DefaultHistoryTTL   = time.Hour
)

// Store keeps the bounded per-run history on the broker and names the live
// channel each run publishes on.
type Store struct {
	client broker.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewStore(client broker.Client, prefix string, limit int, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &Store{client: client, prefix: prefix, limit: limit, ttl: ttl}
}

func (s *Store) ChannelName(runID string) string {
	return s.prefix + ":healing:" + runID
}

func (s *Store) HistoryKey(runID string) string {
	return s.prefix + ":history:" + runID
}

func (s *Store) Limit() int {
	return s.limit
}

func (s *Store) Append(ctx context.Context, runID string, payload []byte) error {
	return s.client.AppendBounded(ctx, s.HistoryKey(runID), payload, s.limit, s.ttl)
}

func (s *Store) History(ctx context.Context, runID string) ([]model.Event, error) {
	records, err := s.client.Range(ctx, s.HistoryKey(runID))
	if err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(records))
	for i, record := range records {
		event, err := model.DecodeEvent(record)
		if err != nil {
			return nil, fmt.Errorf("history record %d for run %s: %w", i, runID, err)
		}
		events = append(events, event)
	}
	return events, nil
}
