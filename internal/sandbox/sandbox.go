// Package sandbox supervises one isolated execution environment per run:
// provisioning and checkout, foreground commands normalized into
// CommandResults, tracked background processes, file access and teardown.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"missionctl/internal/hsm"
	"missionctl/internal/model"
	"missionctl/internal/policy"
)

const (
	DefaultWorkDir        = "/home/user/repo"
	DefaultTemplate       = "base"
	DefaultCommandTimeout = 60 * time.Second
	DefaultCloneTimeout   = 10 * time.Minute
	DefaultScreenshotPath = "/tmp/screenshot.png"
)

var defaultCommitDenylist = []string{
	"repomix_script.py",
	"package-lock.json",
	"yarn.lock",
	"poetry.lock",
	"pnpm-lock.yaml",
}

type Options struct {
	RepoURL string
	// Token is injected into https clone URLs as x-access-token credentials.
	Token            string
	Template         string
	WorkDir          string
	CommandTimeout   time.Duration
	CloneTimeout     time.Duration
	ProvisionRetries int
	RetryDelay       time.Duration
	GitUserName      string
	GitUserEmail     string
	CommitDenylist   []string
	// InternalArtifacts are removed from the tree before anything is staged.
	InternalArtifacts []string
	ScreenshotPath    string
	Logger            *slog.Logger
}

// OptionsFromPolicy maps the sandbox policy section onto Options.
func OptionsFromPolicy(cfg policy.Config) Options {
	return Options{
		Template:          cfg.Sandbox.Template,
		WorkDir:           cfg.Sandbox.WorkDir,
		CommandTimeout:    cfg.CommandTimeout(),
		ProvisionRetries:  cfg.Sandbox.ProvisionRetries,
		GitUserName:       cfg.Sandbox.GitUserName,
		GitUserEmail:      cfg.Sandbox.GitUserEmail,
		CommitDenylist:    append([]string(nil), cfg.Sandbox.CommitDenylist...),
		InternalArtifacts: []string{"repomix_script.py"},
	}
}

func (o *Options) normalize() {
	if strings.TrimSpace(o.Template) == "" {
		o.Template = DefaultTemplate
	}
	if strings.TrimSpace(o.WorkDir) == "" {
		o.WorkDir = DefaultWorkDir
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.CloneTimeout <= 0 {
		o.CloneTimeout = DefaultCloneTimeout
	}
	if o.ProvisionRetries < 0 {
		o.ProvisionRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.GitUserName == "" {
		o.GitUserName = "TALOS Agent"
	}
	if o.GitUserEmail == "" {
		o.GitUserEmail = "talos@self-healing.ai"
	}
	if o.CommitDenylist == nil {
		o.CommitDenylist = append([]string(nil), defaultCommitDenylist...)
	}
	if o.ScreenshotPath == "" {
		o.ScreenshotPath = DefaultScreenshotPath
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Sandbox struct {
	env     Environment
	options Options
	workDir string
	logger  *slog.Logger

	mu         sync.Mutex
	state      model.SandboxState
	active     int
	background map[string]*BackgroundProcess

	closeOnce sync.Once
	closeErr  error
}

// Open allocates an environment and checks out the source tree into it. On
// any failure the environment is destroyed and a *ProvisionError returned.
func Open(ctx context.Context, provider Provider, options Options) (*Sandbox, error) {
	options.normalize()
	logger := options.Logger

	var env Environment
	err := retry.Retry(func(attempt uint) error {
		allocated, err := provider.Provision(ctx, options.Template)
		if err != nil {
			logger.Warn("sandbox allocation failed", "template", options.Template, "attempt", attempt, "error", err)
			return err
		}
		env = allocated
		return nil
	}, strategy.Limit(uint(options.ProvisionRetries+1)), strategy.Backoff(backoff.Linear(options.RetryDelay)))
	if err != nil {
		return nil, &ProvisionError{Stage: "allocate", Err: err}
	}

	s := &Sandbox{
		env:        env,
		options:    options,
		workDir:    path.Join(env.Root(), options.WorkDir),
		logger:     logger.With("sandbox_id", env.ID()),
		state:      model.SandboxStateUninitialized,
		background: map[string]*BackgroundProcess{},
	}
	if err := s.checkout(ctx); err != nil {
		if destroyErr := env.Destroy(context.WithoutCancel(ctx)); destroyErr != nil {
			s.logger.Warn("destroy after failed checkout", "error", destroyErr)
		}
		s.state = model.SandboxStateTornDown
		return nil, &ProvisionError{Stage: "checkout", Err: err}
	}
	if err := s.transition(model.SandboxStateProvisioned); err != nil {
		return nil, err
	}
	s.logger.Info("sandbox provisioned", "workdir", s.workDir)
	return s, nil
}

func (s *Sandbox) checkout(ctx context.Context) error {
	var command string
	if strings.TrimSpace(s.options.RepoURL) == "" {
		command = "mkdir -p " + shellQuote(s.workDir)
		s.logger.Info("creating empty working tree")
	} else {
		s.logger.Info("cloning repository", "repo", redact(s.options.RepoURL, s.options.Token))
		command = fmt.Sprintf("git clone %s %s", shellQuote(authenticatedURL(s.options.RepoURL, s.options.Token)), shellQuote(s.workDir))
	}
	result, err := s.env.Run(ctx, command, s.options.CloneTimeout)
	if err != nil {
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("checkout: %s", redact(detail, s.options.Token))
	}
	return nil
}

func (s *Sandbox) ID() string {
	return s.env.ID()
}

func (s *Sandbox) WorkDir() string {
	return s.workDir
}

func (s *Sandbox) State() model.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) transition(to model.SandboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Sandbox) transitionLocked(to model.SandboxState) error {
	if !hsm.CanTransitionSandbox(s.state, to) {
		return fmt.Errorf("sandbox %s cannot move from %s to %s", s.env.ID(), s.state, to)
	}
	s.state = to
	return nil
}

// begin marks the sandbox as executing. Commands may overlap; the sandbox
// returns to provisioned when the last one ends.
func (s *Sandbox) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.SandboxStateExecuting {
		if err := s.transitionLocked(model.SandboxStateExecuting); err != nil {
			return err
		}
	}
	s.active++
	return nil
}

func (s *Sandbox) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 && s.state == model.SandboxStateExecuting {
		s.state = model.SandboxStateProvisioned
	}
}

// Close kills every tracked background process and destroys the environment.
// Both steps always run; only the first call has any effect.
func (s *Sandbox) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		s.mu.Lock()
		if err := s.transitionLocked(model.SandboxStateTornDown); err != nil {
			s.logger.Warn("teardown from unexpected state", "error", err)
			s.state = model.SandboxStateTornDown
		}
		s.mu.Unlock()

		killErr := s.KillBackground(ctx, nil)
		destroyErr := s.env.Destroy(ctx)
		if destroyErr != nil {
			destroyErr = fmt.Errorf("destroy environment: %w", destroyErr)
		}
		s.closeErr = errors.Join(killErr, destroyErr)
		if s.closeErr != nil {
			s.logger.Warn("sandbox teardown incomplete", "error", s.closeErr)
			return
		}
		s.logger.Info("sandbox destroyed")
	})
	return s.closeErr
}

// BackgroundProcess is a tracked detached command.
type BackgroundProcess struct {
	ID        string
	Command   string
	StartedAt time.Time
	proc      Process
}

func (p *BackgroundProcess) Wait(ctx context.Context) (model.CommandResult, error) {
	return p.proc.Wait(ctx)
}

func (p *BackgroundProcess) Alive(ctx context.Context) bool {
	return p.proc.Alive(ctx)
}

// RunBackground starts command detached in the working tree. It returns nil
// when the launch fails.
func (s *Sandbox) RunBackground(ctx context.Context, command string) *BackgroundProcess {
	s.logger.Info("exec background", "command", command)
	if s.State() == model.SandboxStateTornDown {
		s.logger.Warn("background launch on torn down sandbox", "command", command)
		return nil
	}
	proc, err := s.env.Start(ctx, s.inWorkDir(command))
	if err != nil {
		s.logger.Warn("background launch failed", "command", command, "error", err)
		return nil
	}
	handle := &BackgroundProcess{
		ID:        proc.ID(),
		Command:   command,
		StartedAt: time.Now().UTC(),
		proc:      proc,
	}
	s.mu.Lock()
	s.background[handle.ID] = handle
	s.mu.Unlock()
	return handle
}

// KillBackground kills handle, or every tracked process when handle is nil.
// Killed handles leave the tracked set even when their kill fails; the
// failures are joined into the returned error.
func (s *Sandbox) KillBackground(ctx context.Context, handle *BackgroundProcess) error {
	s.mu.Lock()
	var targets []*BackgroundProcess
	if handle == nil {
		for id, tracked := range s.background {
			targets = append(targets, tracked)
			delete(s.background, id)
		}
	} else if tracked, ok := s.background[handle.ID]; ok {
		targets = append(targets, tracked)
		delete(s.background, handle.ID)
	}
	s.mu.Unlock()

	var errs []error
	for _, target := range targets {
		if err := killProcess(ctx, target); err != nil {
			s.logger.Warn("kill background process failed", "process_id", target.ID, "error", err)
			errs = append(errs, fmt.Errorf("kill %s: %w", target.ID, err))
		}
	}
	return errors.Join(errs...)
}

func killProcess(ctx context.Context, target *BackgroundProcess) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kill panicked: %v", r)
		}
	}()
	return target.proc.Kill(ctx)
}

// Background returns the tracked processes ordered by start time.
func (s *Sandbox) Background() []*BackgroundProcess {
	s.mu.Lock()
	out := make([]*BackgroundProcess, 0, len(s.background))
	for _, tracked := range s.background {
		out = append(out, tracked)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Sandbox) inWorkDir(command string) string {
	return "cd " + shellQuote(s.workDir) + " && " + command
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}

func authenticatedURL(repoURL string, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return strings.Replace(repoURL, "https://", "https://x-access-token:"+token+"@", 1)
}

func redact(text string, token string) string {
	if token == "" {
		return text
	}
	return strings.ReplaceAll(text, token, "***")
}
