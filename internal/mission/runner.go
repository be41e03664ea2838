// Package mission drives one repair run end to end: it provisions a sandbox,
// narrates progress on the event bus, applies and verifies fixes, pushes a
// branch and records the run outcome.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"missionctl/internal/model"
	"missionctl/internal/sandbox"
)

type Publisher interface {
	Publish(ctx context.Context, event model.Event) model.Event
}

type RunStore interface {
	CreateRun(ctx context.Context, runID string, repoURL string) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errorText string) error
}

type Step struct {
	Name           string          `json:"name"`
	Kind           model.EventKind `json:"kind,omitempty"`
	Command        string          `json:"command"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	// Required steps end the run when they exit non-zero.
	Required bool `json:"required,omitempty"`
}

type Fix struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Plan struct {
	RepoURL       string `json:"repo_url,omitempty"`
	Token         string `json:"-"`
	Steps         []Step `json:"steps,omitempty"`
	Fixes         []Fix  `json:"fixes,omitempty"`
	Verify        string `json:"verify,omitempty"`
	Branch        string `json:"branch,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	Push          bool   `json:"push,omitempty"`
}

type StepReport struct {
	Name   string              `json:"name"`
	Result model.CommandResult `json:"result"`
}

type Report struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
	Steps  []StepReport    `json:"steps"`
	Error  string          `json:"error,omitempty"`
}

type Options struct {
	Sandbox sandbox.Options
	Store   RunStore
	Logger  *slog.Logger
}

type Runner struct {
	bus      Publisher
	provider sandbox.Provider
	options  Options
	logger   *slog.Logger
}

func NewRunner(bus Publisher, provider sandbox.Provider, options Options) *Runner {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Sandbox.Logger == nil {
		options.Sandbox.Logger = logger
	}
	return &Runner{bus: bus, provider: provider, options: options, logger: logger}
}

func NewRunID() string {
	return "run-" + shortuuid.New()
}

type missionRun struct {
	runner *Runner
	runID  string
	logger *slog.Logger
	report Report
}

// Run executes plan under runID. Invalid plans and provisioning failures are
// returned as errors; every other failure is reported through the Report and
// the event stream. The sandbox, once provisioned, is torn down before Run
// returns.
func (r *Runner) Run(ctx context.Context, runID string, plan Plan) (Report, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = NewRunID()
	}
	if err := plan.Validate(); err != nil {
		return Report{RunID: runID, Status: model.RunStatusCreated, Steps: []StepReport{}}, err
	}
	m := &missionRun{
		runner: r,
		runID:  runID,
		logger: r.logger.With("run_id", runID),
		report: Report{RunID: runID, Status: model.RunStatusCreated, Steps: []StepReport{}},
	}
	if store := r.options.Store; store != nil {
		if err := store.CreateRun(ctx, runID, plan.RepoURL); err != nil {
			m.logger.Warn("record run failed", "error", err)
		}
	}

	m.emit(ctx, model.EventKindMissionStart, "Mission started", plan.RepoURL, nil)
	m.advance(ctx, model.RunStatusProvisioning, "")
	m.emit(ctx, model.EventKindCloning, "Provisioning sandbox", plan.RepoURL, nil)

	options := r.options.Sandbox
	options.RepoURL = plan.RepoURL
	options.Token = plan.Token
	box, err := sandbox.Open(ctx, r.provider, options)
	if err != nil {
		m.fail(ctx, err.Error())
		return m.report, err
	}
	defer func() {
		if closeErr := box.Close(ctx); closeErr != nil {
			m.logger.Warn("sandbox teardown reported errors", "error", closeErr)
		}
	}()
	m.advance(ctx, model.RunStatusRunning, "")

	if err := m.execute(ctx, box, plan); err != nil {
		m.fail(ctx, err.Error())
		return m.report, nil
	}
	if err := ctx.Err(); err != nil {
		m.fail(ctx, "mission interrupted: "+err.Error())
		return m.report, nil
	}
	m.succeed(ctx)
	return m.report, nil
}

func (m *missionRun) execute(ctx context.Context, box *sandbox.Sandbox, plan Plan) error {
	for _, step := range plan.Steps {
		kind := step.Kind
		if kind == "" {
			kind = model.EventKindScouting
		}
		m.emit(ctx, kind, step.Name, step.Command, nil)
		result := box.RunCommand(ctx, step.Command, sandbox.RunOptions{
			Timeout:       time.Duration(step.TimeoutSeconds) * time.Second,
			CaptureOnFail: true,
		})
		m.report.Steps = append(m.report.Steps, StepReport{Name: step.Name, Result: result})
		if result.OK() {
			continue
		}
		m.emitLog(ctx, step.Name+" failed", result)
		if step.Required {
			return fmt.Errorf("step %q exited with code %d", step.Name, result.ExitCode)
		}
	}

	for _, fix := range plan.Fixes {
		before, _ := box.ReadFile(ctx, fix.Path)
		m.emit(ctx, model.EventKindCodeDiff, "Proposed Fix: "+fix.Path, "", map[string]any{
			"filepath": fix.Path,
			"before":   string(before),
			"after":    fix.Content,
		})
		m.emit(ctx, model.EventKindApplyingFix, "Applying fix", fix.Path, nil)
		if !box.ApplyFix(ctx, fix.Path, fix.Content) {
			return fmt.Errorf("apply fix to %s failed", fix.Path)
		}
	}

	if strings.TrimSpace(plan.Verify) != "" {
		m.emit(ctx, model.EventKindVerifying, "Verifying fix", plan.Verify, nil)
		result := box.Run(ctx, plan.Verify)
		m.report.Steps = append(m.report.Steps, StepReport{Name: "verify", Result: result})
		if !result.OK() {
			m.emitLog(ctx, "Verification failed", result)
			return fmt.Errorf("verification exited with code %d", result.ExitCode)
		}
	}

	if branch := strings.TrimSpace(plan.Branch); branch != "" {
		m.emit(ctx, model.EventKindCreatingPR, "Creating branch", branch, nil)
		if !box.CreateBranch(ctx, branch) {
			return fmt.Errorf("create branch %s failed", branch)
		}
		if plan.Push {
			message := plan.CommitMessage
			if strings.TrimSpace(message) == "" {
				message = "fix: automated repair for " + m.runID
			}
			if !box.CommitAndPush(ctx, message, branch) {
				return fmt.Errorf("commit and push to %s failed", branch)
			}
		}
	}
	return nil
}

// Outcome events outlive the caller's context so observers always see the
// run end, even after an interrupt.
func (m *missionRun) succeed(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	m.advance(ctx, model.RunStatusSucceeded, "")
	m.emit(ctx, model.EventKindSuccess, "Mission succeeded", "", nil)
	m.emit(ctx, model.EventKindMissionEnd, "Mission ended", string(model.RunStatusSucceeded), nil)
}

func (m *missionRun) fail(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)
	m.report.Error = reason
	m.advance(ctx, model.RunStatusFailed, reason)
	m.emit(ctx, model.EventKindFailure, "Mission failed", reason, nil)
	m.emit(ctx, model.EventKindMissionEnd, "Mission ended", string(model.RunStatusFailed), nil)
}

func (m *missionRun) advance(ctx context.Context, status model.RunStatus, errorText string) {
	m.report.Status = status
	store := m.runner.options.Store
	if store == nil {
		return
	}
	if err := store.UpdateRunStatus(ctx, m.runID, status, errorText); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("update run status failed", "status", status, "error", err)
	}
}

func (m *missionRun) emit(ctx context.Context, kind model.EventKind, title string, description string, metadata map[string]any) {
	m.runner.bus.Publish(ctx, model.Event{
		RunID:       m.runID,
		Kind:        kind,
		Title:       title,
		Description: description,
		Metadata:    metadata,
	})
}

func (m *missionRun) emitLog(ctx context.Context, title string, result model.CommandResult) {
	output := strings.TrimSpace(result.Stderr)
	if output == "" {
		output = strings.TrimSpace(result.Stdout)
	}
	m.emit(ctx, model.EventKindErrorLog, title, output, map[string]any{"exit_code": result.ExitCode})
}
