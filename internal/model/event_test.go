package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTerminalKinds(t *testing.T) {
	terminal := map[EventKind]bool{
		EventKindMissionEnd: true,
		EventKindSuccess:    true,
		EventKindFailure:    true,
	}
	for _, kind := range EventKinds() {
		if kind.IsTerminal() != terminal[kind] {
			t.Fatalf("unexpected terminal classification for %s", kind)
		}
		if kind.Category() == "" {
			t.Fatalf("kind %s has no category", kind)
		}
	}
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"run_id":"r1","event_type":"teleporting","title":"x","description":"","timestamp":"2026-01-01T00:00:00Z"}`))
	if err == nil {
		t.Fatalf("expected unknown kind to fail decoding")
	}
	var unknown *UnknownEventKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownEventKindError, got %v", err)
	}
	if unknown.Value != "teleporting" {
		t.Fatalf("unexpected unknown value %q", unknown.Value)
	}
}

func TestDecodeEventRequiresRunID(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"event_type":"thinking"}`)); err == nil {
		t.Fatalf("expected missing run_id to fail")
	}
	if _, err := DecodeEvent([]byte(`{"run_id":"r1"}`)); err == nil {
		t.Fatalf("expected missing event_type to fail")
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestEventEncodeUsesStringTag(t *testing.T) {
	event := NewEvent("r1", EventKindCodeDiff, "Proposed Fix", "", map[string]any{"filepath": "main.go"})
	raw, err := event.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"event_type":"code_diff"`) {
		t.Fatalf("expected string tag in %s", raw)
	}
	decoded, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventID != event.EventID || decoded.Metadata["filepath"] != "main.go" {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

func TestEncodeRejectsInvalidKind(t *testing.T) {
	if _, err := json.Marshal(Event{RunID: "r1", Kind: EventKind("bogus")}); err == nil {
		t.Fatalf("expected invalid kind to fail marshaling")
	}
}

func TestStampKeepsExistingValues(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamped := Event{RunID: "r1", Kind: EventKindThinking}.Stamp(now)
	if stamped.EventID == "" {
		t.Fatalf("expected event id to be assigned")
	}
	if stamped.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", stamped.Timestamp)
	}
	again := stamped.Stamp(now.Add(time.Hour))
	if again.EventID != stamped.EventID || again.Timestamp != stamped.Timestamp {
		t.Fatalf("expected stamp to be idempotent")
	}
}

func TestEventIDsAreOrdered(t *testing.T) {
	first := NewEventID()
	second := NewEventID()
	if first >= second {
		t.Fatalf("expected monotonic ids, got %s then %s", first, second)
	}
}

func TestIdentityFallsBackToContent(t *testing.T) {
	a := Event{RunID: "r1", Kind: EventKindThinking, Timestamp: "t", Title: "a"}
	b := a
	if a.Identity() != b.Identity() {
		t.Fatalf("expected equal identities")
	}
	b.Title = "b"
	if a.Identity() == b.Identity() {
		t.Fatalf("expected distinct identities")
	}
}
