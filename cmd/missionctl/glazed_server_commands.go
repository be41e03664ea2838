package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"missionctl/internal/policy"
	"missionctl/internal/server"
)

func newConfiguredCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	configLayer, err := newConfigLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(configLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (cmds.Command, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default missionctl policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Fprintf(output, "Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr             string `glazed.parameter:"addr"`
	MonitorInterval  string `glazed.parameter:"monitor-interval"`
	MonitorLogPeriod string `glazed.parameter:"monitor-log-period"`
	ShutdownTimeout  string `glazed.parameter:"shutdown-timeout"`
	NoConsole        bool   `glazed.parameter:"no-console"`
}

func newServeGlazedCommand() (cmds.Command, error) {
	desc, err := newConfiguredCommandDescription(
		"serve",
		"Run the event streaming server",
		"Serve run history, SSE and websocket event streams, the persisted run log and the run console.",
		parameters.NewParameterDefinition(
			"addr",
			parameters.ParameterTypeString,
			parameters.WithHelp("HTTP listen address"),
			parameters.WithDefault(":8000"),
		),
		parameters.NewParameterDefinition(
			"monitor-interval",
			parameters.ParameterTypeString,
			parameters.WithHelp("Broker health check interval"),
			parameters.WithDefault("5s"),
		),
		parameters.NewParameterDefinition(
			"monitor-log-period",
			parameters.ParameterTypeString,
			parameters.WithHelp("Broker monitor summary log period"),
			parameters.WithDefault("1m"),
		),
		parameters.NewParameterDefinition(
			"shutdown-timeout",
			parameters.ParameterTypeString,
			parameters.WithHelp("Graceful shutdown timeout"),
			parameters.WithDefault("5s"),
		),
		parameters.NewParameterDefinition(
			"no-console",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Do not serve the browser run console"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &serveGlazedCommand{CommandDescription: desc}, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, logger, err := initializeConfig(parsedLayers)
	if err != nil {
		return err
	}
	monitorInterval, err := parseDurationSetting("monitor-interval", settings.MonitorInterval)
	if err != nil {
		return err
	}
	monitorLogPeriod, err := parseDurationSetting("monitor-log-period", settings.MonitorLogPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	s, err := openStack(ctx, cfg, logger, stackOptions{withStore: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("close event stack", "error", err)
		}
	}()

	var runs server.RunLog
	if s.runs != nil {
		runs = s.runs
	}
	runtime, err := server.NewRuntime(s.bus, runs, server.Options{
		Addr:             settings.Addr,
		MonitorInterval:  monitorInterval,
		MonitorLogPeriod: monitorLogPeriod,
		ShutdownTimeout:  shutdownTimeout,
		Keepalive:        cfg.KeepaliveInterval(),
		QueueSize:        cfg.Stream.QueueSize,
		DisableConsole:   settings.NoConsole,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(output, "missionctl serve listening on %s\n", settings.Addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}
