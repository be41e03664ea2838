package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"missionctl/internal/mission"
	"missionctl/internal/sandbox"
)

type execGlazedCommand struct {
	*cmds.CommandDescription
}

type execSettings struct {
	Command string `glazed.parameter:"command"`
	Repo    string `glazed.parameter:"repo"`
	Timeout string `glazed.parameter:"timeout"`
	JSON    bool   `glazed.parameter:"json"`
}

func newExecGlazedCommand() (cmds.Command, error) {
	desc, err := newConfiguredCommandDescription(
		"exec",
		"Run one command in a fresh sandbox",
		"Provision a sandbox, optionally check out a repository, run a command in the working tree and tear the sandbox down.",
		parameters.NewParameterDefinition(
			"command",
			parameters.ParameterTypeString,
			parameters.WithHelp("Shell command to run"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"repo",
			parameters.ParameterTypeString,
			parameters.WithHelp("Repository URL to clone into the working tree (GITHUB_TOKEN is used when set)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"timeout",
			parameters.ParameterTypeString,
			parameters.WithHelp("Command timeout (defaults to the policy value)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"json",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print the command result as JSON"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &execGlazedCommand{CommandDescription: desc}, nil
}

func (c *execGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &execSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	command, err := requireSetting("command", settings.Command)
	if err != nil {
		return err
	}
	cfg, logger, err := initializeConfig(parsedLayers)
	if err != nil {
		return err
	}
	runOptions := sandbox.RunOptions{CaptureOnFail: true}
	if strings.TrimSpace(settings.Timeout) != "" {
		runOptions.Timeout, err = parseDurationSetting("timeout", settings.Timeout)
		if err != nil {
			return err
		}
	}
	provider, err := newSandboxProvider(cfg, logger)
	if err != nil {
		return err
	}

	box, err := sandbox.Open(ctx, provider, sandboxOptions(cfg, logger, settings.Repo))
	if err != nil {
		return err
	}
	defer func() {
		if err := box.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("sandbox teardown reported errors", "error", err)
		}
	}()

	result := box.RunCommand(ctx, command, runOptions)
	if settings.JSON {
		encoder := json.NewEncoder(output)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(output, result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	if !result.OK() {
		return fmt.Errorf("command exited with code %d", result.ExitCode)
	}
	return nil
}

var _ cmds.BareCommand = &execGlazedCommand{}

type missionGlazedCommand struct {
	*cmds.CommandDescription
}

type missionSettings struct {
	PlanPath string `glazed.parameter:"plan"`
	RunID    string `glazed.parameter:"run-id"`
	Repo     string `glazed.parameter:"repo"`
}

func newMissionGlazedCommand() (cmds.Command, error) {
	desc, err := newConfiguredCommandDescription(
		"mission",
		"Execute a repair plan in a sandbox",
		"Run a repair plan end to end: provision, scout, apply fixes, verify and push, narrating every step on the run's event stream.",
		parameters.NewParameterDefinition(
			"plan",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to the plan JSON file"),
			parameters.WithDefault(""),
		),
		runIDFlag(),
		parameters.NewParameterDefinition(
			"repo",
			parameters.ParameterTypeString,
			parameters.WithHelp("Repository URL (overrides repo_url in the plan)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &missionGlazedCommand{CommandDescription: desc}, nil
}

func loadPlan(path string) (mission.Plan, error) {
	var plan mission.Plan
	b, err := os.ReadFile(path)
	if err != nil {
		return plan, fmt.Errorf("read plan %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &plan); err != nil {
		return plan, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return plan, nil
}

func (c *missionGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &missionSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	planPath, err := requireSetting("plan", settings.PlanPath)
	if err != nil {
		return err
	}
	plan, err := loadPlan(planPath)
	if err != nil {
		return err
	}
	if repo := strings.TrimSpace(settings.Repo); repo != "" {
		plan.RepoURL = repo
	}
	cfg, logger, err := initializeConfig(parsedLayers)
	if err != nil {
		return err
	}
	options := sandboxOptions(cfg, logger, plan.RepoURL)
	plan.Token = options.Token

	provider, err := newSandboxProvider(cfg, logger)
	if err != nil {
		return err
	}
	s, err := openStack(ctx, cfg, logger, stackOptions{withStore: true, withArchive: true})
	if err != nil {
		return err
	}
	defer s.Close()

	runnerOptions := mission.Options{Sandbox: options, Logger: logger}
	if s.runs != nil {
		runnerOptions.Store = s.runs
	}
	runner := mission.NewRunner(s.bus, provider, runnerOptions)
	report, runErr := runner.Run(ctx, settings.RunID, plan)

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}
	if report.Error != "" {
		return fmt.Errorf("mission %s %s: %s", report.RunID, report.Status, report.Error)
	}
	return nil
}

var _ cmds.BareCommand = &missionGlazedCommand{}
