package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"missionctl/internal/model"
	"missionctl/internal/stream"
)

func runIDFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"run-id",
		parameters.ParameterTypeString,
		parameters.WithHelp("Run identifier"),
		parameters.WithDefault(""),
	)
}

type historyGlazedCommand struct {
	*cmds.CommandDescription
}

type historySettings struct {
	RunID string `glazed.parameter:"run-id"`
	JSON  bool   `glazed.parameter:"json"`
}

func newHistoryGlazedCommand() (cmds.Command, error) {
	desc, err := newConfiguredCommandDescription(
		"history",
		"Print the retained events of a run",
		"Read the bounded replay history for a run from the broker, oldest first.",
		runIDFlag(),
		parameters.NewParameterDefinition(
			"json",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print one JSON event per line"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &historyGlazedCommand{CommandDescription: desc}, nil
}

func (c *historyGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &historySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runID, err := requireSetting("run-id", settings.RunID)
	if err != nil {
		return err
	}
	cfg, logger, err := initializeConfig(parsedLayers)
	if err != nil {
		return err
	}
	s, err := openStack(ctx, cfg, logger, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := s.bus.History(ctx, runID)
	if err != nil {
		return err
	}
	if settings.JSON {
		encoder := json.NewEncoder(output)
		for _, event := range events {
			if err := encoder.Encode(event); err != nil {
				return err
			}
		}
		return nil
	}
	if len(events) == 0 {
		fmt.Fprintf(output, "No events for %s\n", runID)
		return nil
	}
	for _, event := range events {
		printEvent(output, event)
	}
	return nil
}

var _ cmds.BareCommand = &historyGlazedCommand{}

func printEvent(w io.Writer, event model.Event) {
	line := fmt.Sprintf("%s  %-15s %s", event.Timestamp, event.Kind, event.Title)
	if description := strings.TrimSpace(event.Description); description != "" {
		line += " - " + description
	}
	fmt.Fprintln(w, line)
}

type watchGlazedCommand struct {
	*cmds.CommandDescription
}

type watchSettings struct {
	RunID string `glazed.parameter:"run-id"`
	Raw   bool   `glazed.parameter:"raw"`
}

func newWatchGlazedCommand() (cmds.Command, error) {
	desc, err := newConfiguredCommandDescription(
		"watch",
		"Follow a run's event stream",
		"Replay a run's history and follow live events until the run completes or the command is interrupted.",
		runIDFlag(),
		parameters.NewParameterDefinition(
			"raw",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print frames in text/event-stream format"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &watchGlazedCommand{CommandDescription: desc}, nil
}

func (c *watchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &watchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runID, err := requireSetting("run-id", settings.RunID)
	if err != nil {
		return err
	}
	cfg, logger, err := initializeConfig(parsedLayers)
	if err != nil {
		return err
	}
	s, err := openStack(ctx, cfg, logger, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	bridge := stream.NewBridge(s.bus, stream.Options{
		Keepalive: cfg.KeepaliveInterval(),
		QueueSize: cfg.Stream.QueueSize,
		Logger:    logger,
	})
	return bridge.Serve(ctx, runID, &terminalSink{w: output, raw: settings.Raw})
}

var _ cmds.BareCommand = &watchGlazedCommand{}

// terminalSink prints frames for a human, or verbatim when raw is set.
type terminalSink struct {
	w   io.Writer
	raw bool
}

func (s *terminalSink) WriteFrame(frame stream.Frame) error {
	if s.raw {
		_, err := s.w.Write(frame.Encode())
		return err
	}
	if frame.IsKeepalive() {
		return nil
	}
	event, err := model.DecodeEvent(frame.Data)
	if err != nil {
		var pseudo struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(frame.Data, &pseudo)
		_, err := fmt.Fprintf(s.w, "-- %s %s\n", frame.Event, pseudo.Message)
		return err
	}
	printEvent(s.w, event)
	return nil
}

type emitGlazedCommand struct {
	*cmds.CommandDescription
}

type emitSettings struct {
	RunID       string `glazed.parameter:"run-id"`
	Type        string `glazed.parameter:"type"`
	Title       string `glazed.parameter:"title"`
	Description string `glazed.parameter:"description"`
	Metadata    string `glazed.parameter:"metadata"`
}

func newEmitGlazedCommand() (cmds.Command, error) {
	desc, err := newConfiguredCommandDescription(
		"emit",
		"Publish one event to a run",
		"Publish a single event to a run's channel and history. Useful for driving observers by hand.",
		runIDFlag(),
		parameters.NewParameterDefinition(
			"type",
			parameters.ParameterTypeString,
			parameters.WithHelp("Event type, e.g. thinking, success, failure"),
			parameters.WithDefault(string(model.EventKindThinking)),
		),
		parameters.NewParameterDefinition(
			"title",
			parameters.ParameterTypeString,
			parameters.WithHelp("Event title"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"description",
			parameters.ParameterTypeString,
			parameters.WithHelp("Event description"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"metadata",
			parameters.ParameterTypeString,
			parameters.WithHelp("Event metadata as a JSON object"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &emitGlazedCommand{CommandDescription: desc}, nil
}

func (c *emitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &emitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runID, err := requireSetting("run-id", settings.RunID)
	if err != nil {
		return err
	}
	kind, err := model.ParseEventKind(settings.Type)
	if err != nil {
		return err
	}
	var metadata map[string]any
	if raw := strings.TrimSpace(settings.Metadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return fmt.Errorf("invalid --metadata: %w", err)
		}
	}
	cfg, logger, err := initializeConfig(parsedLayers)
	if err != nil {
		return err
	}
	s, err := openStack(ctx, cfg, logger, stackOptions{withStore: true, withArchive: true})
	if err != nil {
		return err
	}
	defer s.Close()

	event := s.bus.Emit(ctx, runID, kind, settings.Title, settings.Description, metadata)
	fmt.Fprintf(output, "Published %s %s to %s\n", event.Kind, event.EventID, runID)
	return nil
}

var _ cmds.BareCommand = &emitGlazedCommand{}
