package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"missionctl/internal/model"
)

// ErrTimeout is wrapped by environments when a command outlives its
// deadline.
var ErrTimeout = errors.New("command timed out")

// ExitError is returned by Environment.Run when the command finished with a
// non-zero exit code. Result carries whatever the environment observed.
type ExitError struct {
	Result model.CommandResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Result.ExitCode)
}

// ProvisionError reports an allocation or checkout failure. No usable
// sandbox exists when it is returned.
type ProvisionError struct {
	Stage string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox (%s): %v", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provider allocates isolated environments.
type Provider interface {
	Provision(ctx context.Context, template string) (Environment, error)
}

// Environment is the remote execution primitive the sandbox supervises.
// Paths passed to file operations are absolute paths inside the environment.
type Environment interface {
	ID() string
	// Root is the directory the environment's logical filesystem is mounted
	// at: "/" for a dedicated machine, a scratch directory for a local one.
	Root() string
	Run(ctx context.Context, command string, timeout time.Duration) (model.CommandResult, error)
	Start(ctx context.Context, command string) (Process, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Destroy(ctx context.Context) error
}

// Process is a detached command started with Environment.Start.
type Process interface {
	ID() string
	Kill(ctx context.Context) error
	Wait(ctx context.Context) (model.CommandResult, error)
	Alive(ctx context.Context) bool
}
