package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type memorySubscriber struct {
	id      int64
	channel string
	ch      chan []byte
	lagged  *atomic.Bool
}

type memoryList struct {
	items     [][]byte
	expiresAt time.Time
}

// Memory is an in-process Client for single-binary deployments and tests.
// Slow subscribers lose their oldest buffered payload rather than blocking
// publishers; their next Receive reports ErrLagged.
type Memory struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]memorySubscriber
	lists       map[string]*memoryList
	now         func() time.Time
	logger      *slog.Logger
}

func NewMemory(bufferSize int, logger *slog.Logger) *Memory {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]memorySubscriber),
		lists:       make(map[string]*memoryList),
		now:         time.Now,
		logger:      logger,
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	_ = ctx
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	snapshot := make([]memorySubscriber, 0, len(m.subscribers))
	for _, subscriber := range m.subscribers {
		if subscriber.channel == channel {
			snapshot = append(snapshot, subscriber)
		}
	}
	m.mu.RUnlock()

	for _, subscriber := range snapshot {
		m.deliver(subscriber, payload)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	subscriber := memorySubscriber{
		id:      m.nextID,
		channel: channel,
		ch:      make(chan []byte, m.bufferSize),
		lagged:  &atomic.Bool{},
	}
	m.subscribers[subscriber.id] = subscriber
	return &memorySubscription{
		ch:     subscriber.ch,
		lagged: subscriber.lagged,
		close: func() {
			m.unsubscribe(subscriber.id)
		},
	}, nil
}

func (m *Memory) AppendBounded(ctx context.Context, key string, payload []byte, limit int, ttl time.Duration) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	list := m.liveList(key)
	if list == nil {
		list = &memoryList{}
		m.lists[key] = list
	}
	list.items = append(list.items, append([]byte(nil), payload...))
	if limit > 0 && len(list.items) > limit {
		list.items = append([][]byte(nil), list.items[len(list.items)-limit:]...)
	}
	if ttl > 0 {
		list.expiresAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Range(ctx context.Context, key string) ([][]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	list := m.liveList(key)
	if list == nil {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, len(list.items))
	for _, item := range list.items {
		out = append(out, append([]byte(nil), item...))
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, subscriber := range m.subscribers {
		close(subscriber.ch)
		delete(m.subscribers, id)
	}
	return nil
}

// liveList drops the list at key when its ttl has passed. Callers hold mu.
func (m *Memory) liveList(key string) *memoryList {
	list, ok := m.lists[key]
	if !ok {
		return nil
	}
	if !list.expiresAt.IsZero() && !m.now().Before(list.expiresAt) {
		delete(m.lists, key)
		return nil
	}
	return list
}

func (m *Memory) unsubscribe(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscriber, ok := m.subscribers[id]
	if !ok {
		return
	}
	delete(m.subscribers, id)
	close(subscriber.ch)
}

func (m *Memory) deliver(subscriber memorySubscriber, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.subscribers[subscriber.id]; !ok {
		return
	}
	select {
	case subscriber.ch <- payload:
		return
	default:
	}
	select {
	case <-subscriber.ch:
		subscriber.lagged.Store(true)
		m.logger.Warn("memory broker dropped stale payload", "channel", subscriber.channel)
	default:
	}
	select {
	case subscriber.ch <- payload:
	default:
	}
}

type memorySubscription struct {
	ch     <-chan []byte
	lagged *atomic.Bool
	once   sync.Once
	close  func()
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	if s.lagged.CompareAndSwap(true, false) {
		return nil, ErrLagged
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(s.close)
	return nil
}
