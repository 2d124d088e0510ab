// Package runtime defines the narrow container-runtime capability boundary.
// The interface is the explicit seam shared by the container manager and the
// terminal relay: both receive the same Runtime at construction, so neither
// needs to reach into the other's internals for a runtime handle. Any
// concrete runtime (local daemon, remote API, test fake) is substitutable.
package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Labels      map[string]string
	Name        string
	Image       string
	WorkingDir  string
	NetworkMode string
	Cmd         []string
	Env         []string
	Mounts      []Mount
	NanoCPUs    int64
	MemoryBytes int64
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerState is a point-in-time snapshot from the runtime.
type ContainerState struct {
	StartedAt  time.Time
	FinishedAt time.Time
	ID         string
	Name       string
	Image      string
	State      string
	ExitCode   int
	Running    bool
}

// ExecResult is the outcome of a completed non-interactive exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecStream is a live interactive exec instance. Under a TTY the runtime
// produces a single combined output stream.
type ExecStream struct {
	// ExecID identifies the exec instance for resize calls.
	ExecID string
	// Output carries combined stdout/stderr bytes.
	Output io.Reader
	// Input accepts stdin bytes.
	Input io.WriteCloser
	// Close tears the stream down. Must be safe to call more than once.
	Close func()
}

// LogOptions controls log retrieval.
type LogOptions struct {
	Tail   string
	Follow bool
}

// Runtime is the container runtime capability set used by the orchestrator.
type Runtime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	// StopContainer sends the graceful termination signal and lets the
	// runtime force-kill after timeout.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	// KillContainer force-terminates immediately.
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerState, error)
	// Exec runs a command to completion without a TTY, demultiplexing the
	// interleaved stdout/stderr streams.
	Exec(ctx context.Context, id string, cmd []string, workingDir string) (ExecResult, error)
	// ExecAttach starts an interactive TTY-backed exec and returns its
	// live stream.
	ExecAttach(ctx context.Context, id string, cmd []string, workingDir string) (*ExecStream, error)
	// ResizeExec resizes the pseudo-terminal of a live exec instance.
	ResizeExec(ctx context.Context, execID string, cols, rows uint) error
	// ContainerLogs returns a lazy, optionally follow-mode log stream.
	// Closing the reader terminates it.
	ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) error
	Close() error
}
