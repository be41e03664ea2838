package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type BrokerMonitorSnapshot struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastCheckAt       *time.Time `json:"last_check_at,omitempty"`
	LastHealthyAt     *time.Time `json:"last_healthy_at,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	TotalChecks       int64      `json:"total_checks"`
	FailedChecks      int64      `json:"failed_checks"`
	BrokerHealthy     bool       `json:"broker_healthy"`
	BrokerError       string     `json:"broker_error,omitempty"`
	ActiveStreams     int64      `json:"active_streams"`
}

// BrokerMonitor pings the broker on an interval so health reads never block
// on a slow connection.
type BrokerMonitor struct {
	checker     HealthChecker
	interval    time.Duration
	logInterval time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot BrokerMonitorSnapshot
}

func NewBrokerMonitor(checker HealthChecker, interval time.Duration, logInterval time.Duration, logger *slog.Logger) *BrokerMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerMonitor{
		checker:     checker,
		interval:    interval,
		logInterval: logInterval,
		logger:      logger,
		snapshot:    BrokerMonitorSnapshot{BrokerHealthy: true},
	}
}

func (m *BrokerMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	now := time.Now().UTC()
	m.snapshot.Running = true
	m.snapshot.StartedAt = timePtr(now)
	m.doneChan = make(chan struct{})
	done := m.doneChan
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.loop(ctx)
		m.mu.Lock()
		m.running = false
		m.snapshot.Running = false
		m.mu.Unlock()
	}()
}

func (m *BrokerMonitor) Wait(timeout time.Duration) bool {
	m.mu.RLock()
	done := m.doneChan
	m.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (m *BrokerMonitor) Snapshot() BrokerMonitorSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copySnapshot := m.snapshot
	copySnapshot.StartedAt = cloneTimePtr(m.snapshot.StartedAt)
	copySnapshot.LastCheckAt = cloneTimePtr(m.snapshot.LastCheckAt)
	copySnapshot.LastHealthyAt = cloneTimePtr(m.snapshot.LastHealthyAt)
	copySnapshot.LastErrorAt = cloneTimePtr(m.snapshot.LastErrorAt)
	return copySnapshot
}

func (m *BrokerMonitor) streamOpened() {
	m.mu.Lock()
	m.snapshot.ActiveStreams++
	m.mu.Unlock()
}

func (m *BrokerMonitor) streamClosed() {
	m.mu.Lock()
	m.snapshot.ActiveStreams--
	m.mu.Unlock()
}

func (m *BrokerMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(m.logInterval)
	defer logTicker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		case <-logTicker.C:
			m.logSnapshot()
		}
	}
}

func (m *BrokerMonitor) check(ctx context.Context) {
	if m.checker == nil {
		return
	}
	now := time.Now().UTC()
	checkCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.checker.Healthy(checkCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.LastCheckAt = timePtr(now)
	m.snapshot.TotalChecks++
	if err != nil {
		wasHealthy := m.snapshot.BrokerHealthy
		m.snapshot.FailedChecks++
		m.snapshot.ConsecutiveErrors++
		m.snapshot.LastErrorAt = timePtr(now)
		m.snapshot.BrokerHealthy = false
		m.snapshot.BrokerError = strings.TrimSpace(err.Error())
		if wasHealthy {
			m.logger.Warn("broker unhealthy", "error", err)
		}
		return
	}
	if !m.snapshot.BrokerHealthy {
		m.logger.Info("broker recovered", "failed_checks", m.snapshot.ConsecutiveErrors)
	}
	m.snapshot.ConsecutiveErrors = 0
	m.snapshot.LastHealthyAt = timePtr(now)
	m.snapshot.BrokerHealthy = true
	m.snapshot.BrokerError = ""
}

func (m *BrokerMonitor) logSnapshot() {
	snapshot := m.Snapshot()
	m.logger.Info("broker monitor",
		"broker_healthy", snapshot.BrokerHealthy,
		"active_streams", snapshot.ActiveStreams,
		"total_checks", snapshot.TotalChecks,
		"failed_checks", snapshot.FailedChecks,
		"consecutive_errors", snapshot.ConsecutiveErrors,
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
