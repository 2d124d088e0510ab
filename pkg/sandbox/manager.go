// Package sandbox manages the lifecycle of task containers. Each container
// is tracked through creating, running, stopped, and removing states; error
// is reachable from any of them and does not end the lifecycle, so a failed
// operation can be retried or the container force-removed.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/errs"
	"conductor/pkg/events"
	"conductor/pkg/logx"
	"conductor/pkg/runtime"
	"conductor/pkg/workspace"
)

// Status is the tracked lifecycle state of a managed container.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusRemoving Status = "removing"
	StatusError    Status = "error"
)

// MountPoint is where the workspace is bound inside every container.
const MountPoint = "/workspace"

const labelManaged = "conductor.managed"

// Container is the manager's tracking record for one sandbox.
type Container struct {
	CreatedAt   time.Time
	ID          string
	RuntimeID   string
	Name        string
	Image       string
	WorkspaceID string
	ExecutionID string
	Status      Status
}

// CreateOpts describes the container to provision. Zero limits fall back to
// the manager defaults.
type CreateOpts struct {
	Image         string
	Name          string
	WorkspaceID   string
	ExecutionID   string
	Env           []string
	CPULimit      float64
	MemoryLimitMB int64
}

// Defaults hold per-manager fallbacks applied when CreateOpts leaves a field
// unset.
type Defaults struct {
	Image         string
	NetworkMode   string
	CPULimit      float64
	MemoryLimitMB int64
}

// WorkspaceResolver looks up workspace records for bind mounting.
// *workspace.Manager satisfies it.
type WorkspaceResolver interface {
	Get(id string) (workspace.Workspace, error)
}

// Manager tracks containers and drives their lifecycle through the runtime.
type Manager struct {
	rt          runtime.Runtime
	workspaces  WorkspaceResolver
	hub         *events.Hub
	logger      *logx.Logger
	containers  map[string]*Container
	byWorkspace map[string]string
	defaults    Defaults
	mu          sync.Mutex
}

// NewManager creates a container manager on top of the given runtime.
func NewManager(rt runtime.Runtime, workspaces WorkspaceResolver, defaults Defaults, hub *events.Hub) *Manager {
	return &Manager{
		rt:          rt,
		workspaces:  workspaces,
		hub:         hub,
		logger:      logx.NewLogger("sandbox"),
		containers:  make(map[string]*Container),
		byWorkspace: make(map[string]string),
		defaults:    defaults,
	}
}

// Create provisions a container in the creating state. When a workspace is
// referenced it must exist, and at most one container may be bound to it.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*Container, error) {
	image := opts.Image
	if image == "" {
		image = m.defaults.Image
	}
	cpu := opts.CPULimit
	if cpu <= 0 {
		cpu = m.defaults.CPULimit
	}
	memMB := opts.MemoryLimitMB
	if memMB <= 0 {
		memMB = m.defaults.MemoryLimitMB
	}

	id := "ctr-" + uuid.New().String()

	// The workspace binding is reserved before the runtime call so two
	// concurrent creates for the same workspace cannot both pass the
	// cardinality check while the first is suspended in the runtime.
	var mounts []runtime.Mount
	if opts.WorkspaceID != "" {
		ws, err := m.workspaces.Get(opts.WorkspaceID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if existing, ok := m.byWorkspace[opts.WorkspaceID]; ok {
			m.mu.Unlock()
			return nil, errs.StateConflict("workspace", opts.WorkspaceID, "bind container",
				fmt.Sprintf("already bound to container %s", existing))
		}
		m.byWorkspace[opts.WorkspaceID] = id
		m.mu.Unlock()

		mounts = append(mounts, runtime.Mount{Source: ws.Path, Target: MountPoint})
	}

	name := opts.Name
	if name == "" {
		name = id
	}

	labels := map[string]string{
		labelManaged:          "true",
		"conductor.id":        id,
		"conductor.workspace": opts.WorkspaceID,
		"conductor.execution": opts.ExecutionID,
	}

	spec := runtime.ContainerSpec{
		Name:        name,
		Image:       image,
		Cmd:         []string{"sleep", "infinity"},
		Env:         opts.Env,
		WorkingDir:  MountPoint,
		Labels:      labels,
		Mounts:      mounts,
		NanoCPUs:    int64(cpu * 1e9),
		MemoryBytes: memMB * 1024 * 1024,
		NetworkMode: m.defaults.NetworkMode,
	}

	runtimeID, err := m.rt.CreateContainer(ctx, spec)
	if err != nil {
		if opts.WorkspaceID != "" {
			m.mu.Lock()
			delete(m.byWorkspace, opts.WorkspaceID)
			m.mu.Unlock()
		}
		return nil, errs.Resource("container", id, "create", err)
	}

	ctr := &Container{
		CreatedAt:   time.Now().UTC(),
		ID:          id,
		RuntimeID:   runtimeID,
		Name:        name,
		Image:       image,
		WorkspaceID: opts.WorkspaceID,
		ExecutionID: opts.ExecutionID,
		Status:      StatusCreating,
	}

	m.mu.Lock()
	m.containers[id] = ctr
	m.mu.Unlock()

	m.logger.Info("created container %s (runtime %s, image %s)", id, shortID(runtimeID), image)
	m.publish(ctr)
	return snapshot(ctr), nil
}

// Start transitions a container to running. Starting a container that is
// being removed is a state conflict. A runtime start failure leaves the
// container in error.
func (m *Manager) Start(ctx context.Context, id string) error {
	ctr, err := m.transition(id, "start", StatusCreating, StatusStopped, StatusError)
	if err != nil {
		return err
	}

	if err := m.rt.StartContainer(ctx, ctr.RuntimeID); err != nil {
		m.setStatus(id, StatusError)
		return errs.Resource("container", id, "start", err)
	}

	m.setStatus(id, StatusRunning)
	m.logger.Info("started container %s", id)
	return nil
}

// Stop sends a graceful termination signal with the given grace period. If
// the graceful path fails, a forced kill fires so the container never
// outlives the timeout.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctr, err := m.transition(id, "stop", StatusRunning, StatusError)
	if err != nil {
		return err
	}

	if stopErr := m.rt.StopContainer(ctx, ctr.RuntimeID, timeout); stopErr != nil {
		m.logger.Warn("graceful stop of %s failed, killing: %v", id, stopErr)
		if killErr := m.rt.KillContainer(ctx, ctr.RuntimeID); killErr != nil {
			m.setStatus(id, StatusError)
			return errs.Resource("container", id, "stop", killErr)
		}
	}

	m.setStatus(id, StatusStopped)
	m.logger.Info("stopped container %s", id)
	return nil
}

// Remove deletes the container from the runtime and drops the tracking
// record. A removal failure flips the record to error and returns the
// failure so the caller can retry, optionally with force.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	ctr, err := m.transition(id, "remove", StatusCreating, StatusStopped, StatusError, StatusRemoving)
	if err != nil {
		return err
	}
	m.setStatus(id, StatusRemoving)

	if err := m.rt.RemoveContainer(ctx, ctr.RuntimeID, force); err != nil {
		m.setStatus(id, StatusError)
		return errs.Resource("container", id, "remove", err)
	}

	m.mu.Lock()
	delete(m.containers, id)
	if ctr.WorkspaceID != "" {
		delete(m.byWorkspace, ctr.WorkspaceID)
	}
	m.mu.Unlock()

	m.logger.Info("removed container %s", id)
	if m.hub != nil {
		m.hub.Publish(events.Event{
			Type:     events.TypeContainer,
			EntityID: id,
			Status:   "removed",
		})
	}
	return nil
}

// Exec runs a command to completion inside a running container.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string) (runtime.ExecResult, error) {
	ctr, err := m.running(id, "exec")
	if err != nil {
		return runtime.ExecResult{}, err
	}

	res, err := m.rt.Exec(ctx, ctr.RuntimeID, cmd, MountPoint)
	if err != nil {
		return runtime.ExecResult{}, errs.Resource("container", id, "exec", err)
	}
	return res, nil
}

// Logs returns the container's log stream. With follow enabled the stream
// is unbounded and ends when the caller closes it.
func (m *Manager) Logs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	ctr, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return nil, errs.NotFound("container", id)
	}
	runtimeID := ctr.RuntimeID
	m.mu.Unlock()

	rc, err := m.rt.ContainerLogs(ctx, runtimeID, opts)
	if err != nil {
		return nil, errs.Resource("container", id, "logs", err)
	}
	return rc, nil
}

// Get returns a copy of the tracking record.
func (m *Manager) Get(id string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctr, ok := m.containers[id]
	if !ok {
		return nil, errs.NotFound("container", id)
	}
	return snapshot(ctr), nil
}

// List returns copies of all tracked containers.
func (m *Manager) List() []*Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Container, 0, len(m.containers))
	for _, ctr := range m.containers {
		out = append(out, snapshot(ctr))
	}
	return out
}

// RuntimeID resolves a tracked container to its runtime identifier. Used by
// collaborators that talk to the runtime directly, such as the terminal
// relay.
func (m *Manager) RuntimeID(id string) (runtimeID string, running bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctr, ok := m.containers[id]
	if !ok {
		return "", false, errs.NotFound("container", id)
	}
	return ctr.RuntimeID, ctr.Status == StatusRunning, nil
}

// transition checks the current status against the allowed set and returns
// a snapshot, or a StateConflict naming the offending state.
func (m *Manager) transition(id, op string, allowed ...Status) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.containers[id]
	if !ok {
		return nil, errs.NotFound("container", id)
	}
	for _, s := range allowed {
		if ctr.Status == s {
			return snapshot(ctr), nil
		}
	}
	return nil, errs.StateConflict("container", id, op, string(ctr.Status))
}

func (m *Manager) running(id, op string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctr, ok := m.containers[id]
	if !ok {
		return nil, errs.NotFound("container", id)
	}
	if ctr.Status != StatusRunning {
		return nil, errs.StateConflict("container", id, op, string(ctr.Status))
	}
	return snapshot(ctr), nil
}

func (m *Manager) setStatus(id string, status Status) {
	m.mu.Lock()
	ctr, ok := m.containers[id]
	var cp *Container
	if ok {
		ctr.Status = status
		cp = snapshot(ctr)
	}
	m.mu.Unlock()
	if cp != nil {
		m.publish(cp)
	}
}

func (m *Manager) publish(ctr *Container) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{
		Type:     events.TypeContainer,
		EntityID: ctr.ID,
		Status:   string(ctr.Status),
		Payload: map[string]any{
			"workspace_id": ctr.WorkspaceID,
			"execution_id": ctr.ExecutionID,
		},
	})
}

func snapshot(ctr *Container) *Container {
	cp := *ctr
	return &cp
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
