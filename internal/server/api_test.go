package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"missionctl/internal/broker"
	"missionctl/internal/eventbus"
	"missionctl/internal/model"
	"missionctl/internal/store"
)

type testEnv struct {
	bus     *eventbus.Bus
	runs    *store.SQLiteStore
	runtime *Runtime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	memory := broker.NewMemory(64, nil)
	t.Cleanup(func() { _ = memory.Close() })
	runs := store.NewSQLiteStore(filepath.Join(t.TempDir(), "missionctl.db"))
	if err := runs.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = runs.Close() })
	bus := eventbus.New(memory, nil, eventbus.WithPersister(runs))
	return &testEnv{bus: bus, runs: runs, runtime: newTestRuntime(t, bus, runs)}
}

func newTestRuntime(t *testing.T, events EventService, runs RunLog) *Runtime {
	t.Helper()
	runtime, err := NewRuntime(events, runs, Options{
		Keepalive:       50 * time.Millisecond,
		MonitorInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return runtime
}

func serve(t *testing.T, runtime *Runtime, method string, path string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, nil)
	response := httptest.NewRecorder()
	runtime.Handler().ServeHTTP(response, request)
	return response
}

func decodeBody(t *testing.T, response *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(response.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", response.Body.String(), err)
	}
}

type failingEvents struct {
	*eventbus.Bus
	historyErr error
	healthErr  error
}

func (f failingEvents) History(ctx context.Context, runID string) ([]model.Event, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.Bus.History(ctx, runID)
}

func (f failingEvents) Healthy(ctx context.Context) error {
	return f.healthErr
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	response := serve(t, env.runtime, http.MethodGet, "/api/v1/health")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload HealthResponse
	decodeBody(t, response, &payload)
	if payload.Status != "ok" || !payload.Broker.Healthy {
		t.Fatalf("expected healthy broker, got %+v", payload)
	}
}

func TestHandleHealthDegradedWhenBrokerIsDown(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client, err := broker.ConnectRedis(context.Background(), broker.RedisOptions{URL: "redis://" + server.Addr()})
	if err != nil {
		server.Close()
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	runtime := newTestRuntime(t, eventbus.New(client, nil), nil)

	server.Close()
	response := serve(t, runtime, http.MethodGet, "/api/v1/health")
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", response.Code, response.Body.String())
	}
	var payload HealthResponse
	decodeBody(t, response, &payload)
	if payload.Status != "degraded" || payload.Broker.Error == "" {
		t.Fatalf("expected degraded status with an error, got %+v", payload)
	}
}

func TestHandleEventHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bus.Emit(ctx, "run-h", model.EventKindMissionStart, "Mission started", "", nil)
	env.bus.Emit(ctx, "run-h", model.EventKindThinking, "Reading logs", "", nil)

	response := serve(t, env.runtime, http.MethodGet, "/api/v1/events/history/run-h")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload historyResponse
	decodeBody(t, response, &payload)
	if payload.Count != 2 || len(payload.Events) != 2 {
		t.Fatalf("expected 2 events, got %+v", payload)
	}
	if payload.Events[0].Kind != model.EventKindMissionStart || payload.Events[1].Kind != model.EventKindThinking {
		t.Fatalf("unexpected order: %+v", payload.Events)
	}
}

func TestHandleEventHistoryDegradesToEmptyList(t *testing.T) {
	env := newTestEnv(t)
	runtime := newTestRuntime(t, failingEvents{Bus: env.bus, historyErr: errors.New("broker unreachable")}, nil)

	response := serve(t, runtime, http.MethodGet, "/api/v1/events/history/run-x")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload struct {
		Events []model.Event `json:"events"`
		Error  string        `json:"error"`
	}
	decodeBody(t, response, &payload)
	if payload.Events == nil || len(payload.Events) != 0 {
		t.Fatalf("expected an empty events list, got %#v", payload.Events)
	}
	if payload.Error != "broker unreachable" {
		t.Fatalf("expected error field, got %q", payload.Error)
	}
}

func TestHandleRunEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.runs.CreateRun(ctx, "run-p", "https://example.com/repo.git"); err != nil {
		t.Fatalf("create run: %v", err)
	}
	env.bus.Emit(ctx, "run-p", model.EventKindMissionStart, "Mission started", "", nil)
	env.bus.Emit(ctx, "run-p", model.EventKindSuccess, "Mission succeeded", "", nil)

	response := serve(t, env.runtime, http.MethodGet, "/api/v1/runs/run-p/events")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Run    model.RunRecord     `json:"run"`
		Events []model.EventRecord `json:"events"`
	}
	decodeBody(t, response, &payload)
	if payload.Run.RunID != "run-p" || len(payload.Events) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	response = serve(t, env.runtime, http.MethodGet, "/api/v1/runs/run-p/events?limit=1")
	decodeBody(t, response, &payload)
	if len(payload.Events) != 1 {
		t.Fatalf("expected limit to apply, got %d events", len(payload.Events))
	}

	response = serve(t, env.runtime, http.MethodGet, "/api/v1/runs/run-missing/events")
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
	response = serve(t, env.runtime, http.MethodGet, "/api/v1/runs/run-p/events?limit=abc")
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.Code)
	}
}

func TestHandleRunWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	runtime := newTestRuntime(t, env.bus, nil)
	response := serve(t, runtime, http.MethodGet, "/api/v1/runs/run-p")
	if response.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", response.Code)
	}
}

func TestUnknownAPIRouteReturnsJSONError(t *testing.T) {
	env := newTestEnv(t)
	response := serve(t, env.runtime, http.MethodGet, "/api/v1/nope")
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
	var payload struct {
		Error apiError `json:"error"`
	}
	decodeBody(t, response, &payload)
	if payload.Error.Code != "not_found" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}

	response = serve(t, env.runtime, http.MethodPost, "/api/v1/events/history/run-1")
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", response.Code)
	}
	response = serve(t, env.runtime, http.MethodGet, "/api/v1/events/stream/")
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing run id, got %d", response.Code)
	}
}

func readSSEEvents(t *testing.T, reader *bufio.Reader, until string) []string {
	t.Helper()
	var names []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return names
			}
			t.Fatalf("read sse stream: %v (events so far %v)", err, names)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			names = append(names, name)
			if name == until {
				return names
			}
		}
	}
}

func TestEventStreamReplaysFinishedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bus.Emit(ctx, "run-done", model.EventKindMissionStart, "Mission started", "", nil)
	env.bus.Emit(ctx, "run-done", model.EventKindFailure, "Mission failed", "boom", nil)

	httpServer := httptest.NewServer(env.runtime.Handler())
	defer httpServer.Close()

	response, err := http.Get(httpServer.URL + "/api/v1/events/stream/run-done")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()
	if got := response.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	names := readSSEEvents(t, bufio.NewReader(response.Body), "")
	if strings.Join(names, ",") != "mission_start,failure,complete" {
		t.Fatalf("unexpected event sequence %v", names)
	}
}

func TestEventStreamForwardsLiveEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bus.Emit(ctx, "run-live", model.EventKindMissionStart, "Mission started", "", nil)

	httpServer := httptest.NewServer(env.runtime.Handler())
	defer httpServer.Close()

	response, err := http.Get(httpServer.URL + "/api/v1/events/stream/run-live")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()
	reader := bufio.NewReader(response.Body)

	head := readSSEEvents(t, reader, "connected")
	if strings.Join(head, ",") != "mission_start,connected" {
		t.Fatalf("unexpected stream head %v", head)
	}
	env.bus.Emit(ctx, "run-live", model.EventKindThinking, "Thinking", "", nil)
	env.bus.Emit(ctx, "run-live", model.EventKindSuccess, "Mission succeeded", "", nil)

	tail := readSSEEvents(t, reader, "complete")
	if strings.Join(tail, ",") != "thinking,success,complete" {
		t.Fatalf("unexpected stream tail %v", tail)
	}
}

func TestEventWebSocketStreamsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bus.Emit(ctx, "run-ws", model.EventKindMissionStart, "Mission started", "", nil)

	httpServer := httptest.NewServer(env.runtime.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/v1/events/ws/run-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	type message struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	read := func() message {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read websocket message: %v", err)
		}
		return msg
	}

	first := read()
	if first.Event != "mission_start" {
		t.Fatalf("expected mission_start, got %q", first.Event)
	}
	var event model.Event
	if err := json.Unmarshal(first.Data, &event); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if event.RunID != "run-ws" || event.EventID == "" {
		t.Fatalf("unexpected event payload %+v", event)
	}
	if got := read().Event; got != "connected" {
		t.Fatalf("expected connected, got %q", got)
	}

	env.bus.Emit(ctx, "run-ws", model.EventKindSuccess, "Mission succeeded", "", nil)
	if got := read().Event; got != "success" {
		t.Fatalf("expected success, got %q", got)
	}
	if got := read().Event; got != "complete" {
		t.Fatalf("expected complete, got %q", got)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}
}

func TestEventWebSocketRejectsPlainRequests(t *testing.T) {
	env := newTestEnv(t)
	response := serve(t, env.runtime, http.MethodGet, "/api/v1/events/ws/run-1")
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-upgrade request, got %d", response.Code)
	}
}
