// Package localenv runs sandbox environments on the local machine. Each
// environment is a scratch directory that stands in for the filesystem root
// of a dedicated machine; commands run under bash in their own process
// group so a timeout or kill reaches every child.
package localenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"missionctl/internal/model"
	"missionctl/internal/sandbox"
)

const waitDelay = 2 * time.Second

type Provider struct {
	// BaseDir holds the scratch directories. Empty means os.TempDir.
	BaseDir string
	Logger  *slog.Logger
}

func NewProvider(baseDir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{BaseDir: baseDir, Logger: logger}
}

func (p *Provider) Provision(ctx context.Context, template string) (sandbox.Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("bash"); err != nil {
		return nil, fmt.Errorf("bash not available: %w", err)
	}
	if p.BaseDir != "" {
		if err := os.MkdirAll(p.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox base dir: %w", err)
		}
	}
	id := uuid.NewString()
	root, err := os.MkdirTemp(p.BaseDir, "missionctl-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("local sandbox allocated", "sandbox_id", id, "root", root, "template", template)
	return &Environment{id: id, root: root, logger: logger}, nil
}

type Environment struct {
	id     string
	root   string
	logger *slog.Logger

	mu        sync.Mutex
	destroyed bool
}

func (e *Environment) ID() string {
	return e.id
}

func (e *Environment) Root() string {
	return e.root
}

func (e *Environment) command(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = e.root
	cmd.Env = append(os.Environ(), "MISSIONCTL_SANDBOX_ROOT="+e.root)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

func (e *Environment) Run(ctx context.Context, command string, timeout time.Duration) (model.CommandResult, error) {
	if err := e.alive(); err != nil {
		return model.CommandResult{}, err
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := e.command(runCtx, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	result := model.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return result, nil
	}
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = model.ExitCodeTimeout
		return result, fmt.Errorf("%w after %s", sandbox.ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		result.ExitCode = exitErr.ExitCode()
		return result, &sandbox.ExitError{Result: result}
	}
	return result, fmt.Errorf("run command: %w", err)
}

// Start launches command detached from ctx; only Kill or Destroy stop it.
func (e *Environment) Start(ctx context.Context, command string) (sandbox.Process, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proc := &process{id: uuid.NewString(), done: make(chan struct{})}
	cmd := e.command(context.Background(), command)
	cmd.Stdout = &proc.stdout
	cmd.Stderr = &proc.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	proc.pid = cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exitCode = cmd.ProcessState.ExitCode()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
	}()
	e.logger.Debug("background process started", "sandbox_id", e.id, "process_id", proc.id, "pid", proc.pid)
	return proc, nil
}

func (e *Environment) ReadFile(ctx context.Context, path string) ([]byte, error) {
	target, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

func (e *Environment) WriteFile(ctx context.Context, path string, data []byte) error {
	target, err := e.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

func (e *Environment) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()
	if err := os.RemoveAll(e.root); err != nil {
		return fmt.Errorf("remove sandbox root: %w", err)
	}
	return nil
}

func (e *Environment) alive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("sandbox %s destroyed", e.id)
	}
	return nil
}

// resolve accepts paths already inside the root and keeps everything else
// from escaping it.
func (e *Environment) resolve(path string) (string, error) {
	if err := e.alive(); err != nil {
		return "", err
	}
	cleaned := filepath.Clean(path)
	if cleaned == e.root || strings.HasPrefix(cleaned, e.root+string(filepath.Separator)) {
		return cleaned, nil
	}
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path %s is outside sandbox %s", path, e.id)
	}
	return filepath.Join(e.root, cleaned), nil
}

type process struct {
	id     string
	pid    int
	stdout lockedBuffer
	stderr lockedBuffer
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
}

func (p *process) ID() string {
	return p.id
}

func (p *process) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := killGroup(p.pid); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitDelay):
		return fmt.Errorf("process %s did not exit after kill", p.id)
	}
}

func (p *process) Wait(ctx context.Context) (model.CommandResult, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return model.CommandResult{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.CommandResult{
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		ExitCode: p.exitCode,
	}, nil
}

func (p *process) Alive(ctx context.Context) bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// killGroup SIGKILLs the process group led by pid. A group that is already
// gone is not an error.
func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("kill process group %d: %w", pid, err)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
