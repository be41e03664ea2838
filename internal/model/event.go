package model

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

type EventKind string

const (
	EventKindMissionStart EventKind = "mission_start"
	EventKindMissionEnd   EventKind = "mission_end"

	EventKindCloning     EventKind = "cloning"
	EventKindScouting    EventKind = "scouting"
	EventKindReadingCode EventKind = "reading_code"

	EventKindThinking   EventKind = "thinking"
	EventKindAnalyzing  EventKind = "analyzing"
	EventKindDiagnosing EventKind = "diagnosing"

	EventKindApplyingFix EventKind = "applying_fix"
	EventKindVerifying   EventKind = "verifying"
	EventKindCreatingPR  EventKind = "creating_pr"

	EventKindSuccess EventKind = "success"
	EventKindFailure EventKind = "failure"
	EventKindRetry   EventKind = "retry"

	EventKindCodeDiff       EventKind = "code_diff"
	EventKindErrorLog       EventKind = "error_log"
	EventKindThoughtStream  EventKind = "thought_stream"
	EventKindScreenshot     EventKind = "screenshot"
	EventKindVisualAnalysis EventKind = "visual_analysis"
)

type EventCategory string

const (
	EventCategoryLifecycle  EventCategory = "lifecycle"
	EventCategoryPerception EventCategory = "perception"
	EventCategoryCognition  EventCategory = "cognition"
	EventCategoryAction     EventCategory = "action"
	EventCategoryOutcome    EventCategory = "outcome"
	EventCategoryPayload    EventCategory = "payload"
)

var eventKindCategories = map[EventKind]EventCategory{
	EventKindMissionStart:   EventCategoryLifecycle,
	EventKindMissionEnd:     EventCategoryLifecycle,
	EventKindCloning:        EventCategoryPerception,
	EventKindScouting:       EventCategoryPerception,
	EventKindReadingCode:    EventCategoryPerception,
	EventKindThinking:       EventCategoryCognition,
	EventKindAnalyzing:      EventCategoryCognition,
	EventKindDiagnosing:     EventCategoryCognition,
	EventKindApplyingFix:    EventCategoryAction,
	EventKindVerifying:      EventCategoryAction,
	EventKindCreatingPR:     EventCategoryAction,
	EventKindSuccess:        EventCategoryOutcome,
	EventKindFailure:        EventCategoryOutcome,
	EventKindRetry:          EventCategoryOutcome,
	EventKindCodeDiff:       EventCategoryPayload,
	EventKindErrorLog:       EventCategoryPayload,
	EventKindThoughtStream:  EventCategoryPayload,
	EventKindScreenshot:     EventCategoryPayload,
	EventKindVisualAnalysis: EventCategoryPayload,
}

// UnknownEventKindError is returned when a wire value does not name one of
// the known event kinds.
type UnknownEventKindError struct {
	Value string
}

func (e *UnknownEventKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Value)
}

func ParseEventKind(raw string) (EventKind, error) {
	kind := EventKind(raw)
	if _, ok := eventKindCategories[kind]; !ok {
		return "", &UnknownEventKindError{Value: raw}
	}
	return kind, nil
}

func (k EventKind) Valid() bool {
	_, ok := eventKindCategories[k]
	return ok
}

// IsTerminal reports whether observing k means the run is over.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventKindMissionEnd, EventKindSuccess, EventKindFailure:
		return true
	default:
		return false
	}
}

func (k EventKind) Category() EventCategory {
	return eventKindCategories[k]
}

func (k EventKind) String() string {
	return string(k)
}

func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, &UnknownEventKindError{Value: string(k)}
	}
	return []byte(k), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	kind, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// EventKinds lists every kind in declaration order.
func EventKinds() []EventKind {
	return []EventKind{
		EventKindMissionStart, EventKindMissionEnd,
		EventKindCloning, EventKindScouting, EventKindReadingCode,
		EventKindThinking, EventKindAnalyzing, EventKindDiagnosing,
		EventKindApplyingFix, EventKindVerifying, EventKindCreatingPR,
		EventKindSuccess, EventKindFailure, EventKindRetry,
		EventKindCodeDiff, EventKindErrorLog, EventKindThoughtStream,
		EventKindScreenshot, EventKindVisualAnalysis,
	}
}

type Event struct {
	EventID     string         `json:"event_id,omitempty"`
	RunID       string         `json:"run_id"`
	Kind        EventKind      `json:"event_type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Timestamp   string         `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewEvent(runID string, kind EventKind, title string, description string, metadata map[string]any) Event {
	return Event{
		EventID:     NewEventID(),
		RunID:       runID,
		Kind:        kind,
		Title:       title,
		Description: description,
		Timestamp:   FormatTimestamp(time.Now()),
		Metadata:    metadata,
	}
}

// Stamp fills the id and timestamp when the publisher left them empty.
func (e Event) Stamp(now time.Time) Event {
	if strings.TrimSpace(e.EventID) == "" {
		e.EventID = NewEventID()
	}
	if strings.TrimSpace(e.Timestamp) == "" {
		e.Timestamp = FormatTimestamp(now)
	}
	return e
}

// Identity returns the de-duplication key for the event. Records written
// without an id fall back to their content.
func (e Event) Identity() string {
	if e.EventID != "" {
		return e.EventID
	}
	return strings.Join([]string{e.RunID, string(e.Kind), e.Timestamp, e.Title, e.Description}, "\x1f")
}

func (e Event) IsTerminal() bool {
	return e.Kind.IsTerminal()
}

func (e Event) Encode() ([]byte, error) {
	if strings.TrimSpace(e.RunID) == "" {
		return nil, fmt.Errorf("event run_id is required")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(event.RunID) == "" {
		return Event{}, fmt.Errorf("decode event: run_id is required")
	}
	if event.Kind == "" {
		return Event{}, fmt.Errorf("decode event: event_type is required")
	}
	return event, nil
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var (
	eventIDMu      sync.Mutex
	eventIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

func NewEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), eventIDEntropy).String()
}
