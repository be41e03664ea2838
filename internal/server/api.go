package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"missionctl/internal/model"
	"missionctl/internal/store"
	"missionctl/internal/stream"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/events/stream/", r.handleEventStream)
	mux.HandleFunc("/api/v1/events/ws/", r.handleEventWebSocket)
	mux.HandleFunc("/api/v1/events/history/", r.handleEventHistory)
	mux.HandleFunc("/api/v1/runs/", r.handleRunByID)
	mux.HandleFunc("/api/", r.handleNotFound)
}

func (r *Runtime) handleEventStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	runID, ok := runIDFromPath(w, req.URL.Path, "/api/v1/events/stream/")
	if !ok {
		return
	}
	sink, err := stream.NewSSEWriter(w)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}
	r.serveStream(req.Context(), runID, "sse", sink)
}

func (r *Runtime) handleEventWebSocket(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	runID, ok := runIDFromPath(w, req.URL.Path, "/api/v1/events/ws/")
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		r.logger.Debug("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go drainClient(conn, 4*r.opts.Keepalive, cancel)

	r.serveStream(ctx, runID, "websocket", stream.NewWebSocketSink(conn, r.opts.WebSocketWriteWait))
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

func (r *Runtime) serveStream(ctx context.Context, runID string, transport string, sink stream.Sink) {
	r.monitor.streamOpened()
	defer r.monitor.streamClosed()
	logger := r.logger.With("run_id", runID, "transport", transport)
	logger.Info("stream opened")
	if err := r.bridge.Serve(ctx, runID, sink); err != nil {
		logger.Warn("stream ended with error", "error", err)
		return
	}
	logger.Info("stream closed")
}

type historyResponse struct {
	RunID  string        `json:"run_id"`
	Events []model.Event `json:"events"`
	Count  int           `json:"count"`
	Error  string        `json:"error,omitempty"`
}

// handleEventHistory never fails the request: a broken history read is
// reported as an empty list with the error attached.
func (r *Runtime) handleEventHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	runID, ok := runIDFromPath(w, req.URL.Path, "/api/v1/events/history/")
	if !ok {
		return
	}
	events, err := r.events.History(req.Context(), runID)
	if err != nil {
		r.logger.Warn("history read failed", "run_id", runID, "error", err)
		writeJSON(w, http.StatusOK, historyResponse{RunID: runID, Events: []model.Event{}, Error: err.Error()})
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, historyResponse{RunID: runID, Events: events, Count: len(events)})
}

func (r *Runtime) handleRunByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	if r.runs == nil {
		writeAPIError(w, http.StatusNotImplemented, "run_store_disabled", "run store is not configured")
		return
	}
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/runs/"), "/")
	segments := strings.Split(path, "/")
	runID := strings.TrimSpace(segments[0])
	if runID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_run_id", "run id is required")
		return
	}

	run, err := r.runs.GetRun(req.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeAPIError(w, http.StatusNotFound, "run_not_found", err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "run_lookup_failed", err.Error())
		return
	}

	switch {
	case len(segments) == 1:
		writeJSON(w, http.StatusOK, map[string]any{"run": run})
	case len(segments) == 2 && segments[1] == "events":
		limit, err := parseIntQuery(req.URL.Query().Get("limit"), 0)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		records, err := r.runs.ListEvents(req.Context(), runID, limit)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "list_events_failed", err.Error())
			return
		}
		if records == nil {
			records = []model.EventRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "events": records})
	default:
		writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func runIDFromPath(w http.ResponseWriter, path string, prefix string) (string, bool) {
	runID := strings.TrimSpace(strings.TrimPrefix(path, prefix))
	if runID == "" || strings.Contains(runID, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_run_id", "run id is required")
		return "", false
	}
	return runID, true
}

func parseIntQuery(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
