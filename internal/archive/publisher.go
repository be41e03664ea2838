// Package archive appends every published event to a Redis stream so that
// downstream analytics can consume run telemetry long after the replay
// history has expired.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"missionctl/internal/model"
)

const (
	MetadataRunID     = "run_id"
	MetadataEventType = "event_type"
)

type Publisher struct {
	topic     string
	publisher message.Publisher
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open dials its own client for url. The publisher owns that client.
func Open(url string, topic string, maxLen int64, logger *slog.Logger) (*Publisher, error) {
	options, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse archive url: %w", err)
	}
	return NewPublisher(redis.NewClient(options), topic, maxLen, logger)
}

// NewPublisher takes ownership of client; Close closes it.
func NewPublisher(client redis.UniversalClient, topic string, maxLen int64, logger *slog.Logger) (*Publisher, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("archive topic is required")
	}
	if client == nil {
		return nil, fmt.Errorf("archive redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:        client,
		Marshaller:    redisstream.DefaultMarshallerUnmarshaller{},
		DefaultMaxlen: maxLen,
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create archive publisher: %w", err)
	}
	return &Publisher{topic: topic, publisher: publisher, logger: logger}, nil
}

func (p *Publisher) Topic() string {
	return p.topic
}

// RecordEvent implements eventbus.Persister.
func (p *Publisher) RecordEvent(ctx context.Context, event model.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("archive publisher closed")
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	msg := message.NewMessage(event.Identity(), payload)
	msg.Metadata.Set(MetadataRunID, event.RunID)
	msg.Metadata.Set(MetadataEventType, string(event.Kind))
	msg.SetContext(ctx)
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("archive event %s: %w", event.Identity(), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
