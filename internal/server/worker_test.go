package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakyChecker struct {
	down atomic.Bool
}

func (c *flakyChecker) Healthy(context.Context) error {
	if c.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func waitForSnapshot(t *testing.T, monitor *BrokerMonitor, ok func(BrokerMonitorSnapshot) bool) BrokerMonitorSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snapshot := monitor.Snapshot()
		if ok(snapshot) {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never reached the expected state: %+v", monitor.Snapshot())
	return BrokerMonitorSnapshot{}
}

func TestBrokerMonitorTracksHealth(t *testing.T) {
	checker := &flakyChecker{}
	monitor := NewBrokerMonitor(checker, 10*time.Millisecond, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	monitor.Start(ctx)

	waitForSnapshot(t, monitor, func(s BrokerMonitorSnapshot) bool {
		return s.Running && s.TotalChecks > 0 && s.BrokerHealthy && s.LastHealthyAt != nil
	})

	checker.down.Store(true)
	down := waitForSnapshot(t, monitor, func(s BrokerMonitorSnapshot) bool {
		return !s.BrokerHealthy && s.ConsecutiveErrors >= 2
	})
	if down.BrokerError != "connection refused" || down.LastErrorAt == nil {
		t.Fatalf("unexpected degraded snapshot %+v", down)
	}

	checker.down.Store(false)
	waitForSnapshot(t, monitor, func(s BrokerMonitorSnapshot) bool {
		return s.BrokerHealthy && s.ConsecutiveErrors == 0 && s.BrokerError == ""
	})

	cancel()
	if !monitor.Wait(time.Second) {
		t.Fatalf("monitor did not stop")
	}
	if monitor.Snapshot().Running {
		t.Fatalf("expected monitor to report stopped")
	}
}

func TestBrokerMonitorCountsStreams(t *testing.T) {
	monitor := NewBrokerMonitor(&flakyChecker{}, time.Second, time.Hour, nil)
	monitor.streamOpened()
	monitor.streamOpened()
	monitor.streamClosed()
	if got := monitor.Snapshot().ActiveStreams; got != 1 {
		t.Fatalf("expected 1 active stream, got %d", got)
	}
	if !monitor.Wait(0) {
		t.Fatalf("wait on an unstarted monitor should return immediately")
	}
}
