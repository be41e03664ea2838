package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"missionctl/internal/eventbus"
	"missionctl/internal/model"
	"missionctl/internal/stream"
	"missionctl/internal/web"
)

// EventService is the slice of the event bus the HTTP surface needs.
type EventService interface {
	History(ctx context.Context, runID string) ([]model.Event, error)
	Subscribe(ctx context.Context, runID string) (*eventbus.Subscription, error)
	Healthy(ctx context.Context) error
}

// RunLog reads the durable per-run record. It is optional.
type RunLog interface {
	GetRun(ctx context.Context, runID string) (model.RunRecord, error)
	ListEvents(ctx context.Context, runID string, limit int) ([]model.EventRecord, error)
}

type Options struct {
	Addr               string
	MonitorInterval    time.Duration
	MonitorLogPeriod   time.Duration
	ShutdownTimeout    time.Duration
	Keepalive          time.Duration
	QueueSize          int
	WebSocketWriteWait time.Duration
	DisableConsole     bool
	Logger             *slog.Logger
}

type Runtime struct {
	opts      Options
	events    EventService
	runs      RunLog
	bridge    *stream.Bridge
	monitor   *BrokerMonitor
	startedAt time.Time
	server    *http.Server
	logger    *slog.Logger
}

type HealthResponse struct {
	Status    string                `json:"status"`
	StartedAt time.Time             `json:"started_at"`
	Now       time.Time             `json:"now"`
	Monitor   BrokerMonitorSnapshot `json:"monitor"`
	Broker    HealthBusStatus       `json:"broker"`
}

type HealthBusStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func NewRuntime(events EventService, runs RunLog, options Options) (*Runtime, error) {
	if events == nil {
		return nil, fmt.Errorf("event service is required")
	}
	options = normalizeOptions(options)
	runtime := &Runtime{
		opts:   options,
		events: events,
		runs:   runs,
		bridge: stream.NewBridge(events, stream.Options{
			Keepalive: options.Keepalive,
			QueueSize: options.QueueSize,
			Logger:    options.Logger,
		}),
		monitor:   NewBrokerMonitor(events, options.MonitorInterval, options.MonitorLogPeriod, options.Logger),
		startedAt: time.Now().UTC(),
		logger:    options.Logger,
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	if !options.DisableConsole {
		web.RegisterConsole(mux, web.ConsoleFS, web.ConsoleOptions{APIPrefix: "/api"})
	}
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime, nil
}

func (r *Runtime) Handler() http.Handler {
	return r.server.Handler
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	r.monitor.Start(monitorCtx)

	// Open streams watch the base context so shutdown can end them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	r.server.BaseContext = func(_ net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("http server listening", "addr", r.opts.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			monitorCancel()
			_ = r.monitor.Wait(2 * time.Second)
			return err
		}
	}

	cancelStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	err := r.server.Shutdown(shutdownCtx)
	monitorCancel()
	_ = r.monitor.Wait(2 * time.Second)
	return err
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":8000"
	}
	if options.MonitorInterval <= 0 {
		options.MonitorInterval = 5 * time.Second
	}
	if options.MonitorLogPeriod <= 0 {
		options.MonitorLogPeriod = time.Minute
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	if options.Keepalive <= 0 {
		options.Keepalive = stream.DefaultKeepalive
	}
	if options.QueueSize <= 0 {
		options.QueueSize = stream.DefaultQueueSize
	}
	if options.WebSocketWriteWait <= 0 {
		options.WebSocketWriteWait = 10 * time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return options
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	now := time.Now().UTC()
	snapshot := r.monitor.Snapshot()
	bus := HealthBusStatus{Healthy: snapshot.BrokerHealthy, Error: snapshot.BrokerError}
	if snapshot.TotalChecks == 0 {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.events.Healthy(ctx); err != nil {
			bus = HealthBusStatus{Healthy: false, Error: err.Error()}
		} else {
			bus = HealthBusStatus{Healthy: true}
		}
	}

	response := HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       now,
		Monitor:   snapshot,
		Broker:    bus,
	}
	statusCode := http.StatusOK
	if !bus.Healthy {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
