// Package workspace allocates, tracks, and reclaims the ephemeral staging
// directories that back one task's working copy.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/errs"
	"conductor/pkg/events"
	"conductor/pkg/logx"
)

// Status is the lifecycle state of a workspace.
type Status string

const (
	// StatusActive means the directory exists and may be mounted.
	StatusActive Status = "active"
	// StatusCompleted means the workspace was reclaimed normally.
	StatusCompleted Status = "completed"
	// StatusError means reclamation failed; the directory may remain.
	StatusError Status = "error"
	// StatusCleaning means reclamation is in progress.
	StatusCleaning Status = "cleaning"
)

// Workspace is one tracked staging directory. The path is unique per
// instance.
type Workspace struct {
	CreatedAt     time.Time
	ID            string
	Path          string
	OwnerWorkerID string
	TaskID        string
	RepoID        string
	Status        Status
}

// CreateOpts carries optional ownership metadata for a new workspace.
type CreateOpts struct {
	WorkerID string
	TaskID   string
	RepoID   string
}

// Manager owns the workspace root directory and the tracking records.
type Manager struct {
	logger     *logx.Logger
	hub        *events.Hub
	workspaces map[string]*Workspace
	root       string
	mu         sync.Mutex
}

// NewManager creates a workspace manager rooted at root, creating the root
// directory if needed.
func NewManager(root string, hub *events.Hub) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Resource("workspace", "", "create root", err)
	}
	return &Manager{
		logger:     logx.NewLogger("workspace"),
		hub:        hub,
		workspaces: make(map[string]*Workspace),
		root:       root,
	}, nil
}

// Create allocates a fresh directory and then creates the tracking record.
// If directory allocation fails no record is created, so there is never a
// record pointing at a missing directory.
func (m *Manager) Create(opts CreateOpts) (Workspace, error) {
	id := "ws-" + uuid.NewString()
	path := filepath.Join(m.root, id)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, errs.Resource("workspace", id, "allocate directory", err)
	}

	ws := &Workspace{
		ID:            id,
		Path:          path,
		Status:        StatusActive,
		OwnerWorkerID: opts.WorkerID,
		TaskID:        opts.TaskID,
		RepoID:        opts.RepoID,
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	m.workspaces[id] = ws
	cp := *ws
	m.mu.Unlock()

	m.publish(cp)
	m.logger.Info("created workspace %s at %s", id, path)
	return *ws, nil
}

// Get returns a copy of the tracking record.
func (m *Manager) Get(id string) (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return Workspace{}, errs.NotFound("workspace", id)
	}
	return *ws, nil
}

// List returns copies of all tracking records.
func (m *Manager) List() []Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, *ws)
	}
	return out
}

// Cleanup transitions the workspace to cleaning and removes its directory.
// An already-absent directory or an already-reclaimed id counts as success,
// so calling Cleanup twice never fails on the second call. All other I/O
// errors propagate and leave the record in error state.
func (m *Manager) Cleanup(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	ws.Status = StatusCleaning
	cp := *ws
	m.mu.Unlock()
	m.publish(cp)

	// os.RemoveAll treats a missing path as success, which gives us the
	// idempotency we need.
	if err := os.RemoveAll(cp.Path); err != nil {
		m.mu.Lock()
		ws.Status = StatusError
		cp = *ws
		m.mu.Unlock()
		m.publish(cp)
		return errs.Resource("workspace", id, "remove directory", err)
	}

	m.mu.Lock()
	ws.Status = StatusCompleted
	cp = *ws
	delete(m.workspaces, id)
	m.mu.Unlock()
	m.publish(cp)

	m.logger.Info("reclaimed workspace %s", id)
	return nil
}

// CleanupStale reclaims all active workspaces older than maxAge. Failures
// are isolated per workspace; the sweep continues and the count of
// successful reclamations is returned.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for id, ws := range m.workspaces {
		if ws.Status == StatusActive && ws.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	reclaimed := 0
	for _, id := range stale {
		if err := m.Cleanup(id); err != nil {
			m.logger.Warn("stale sweep: failed to reclaim %s: %v", id, err)
			continue
		}
		reclaimed++
	}
	if len(stale) > 0 {
		m.logger.Info("stale sweep reclaimed %d/%d workspaces", reclaimed, len(stale))
	}
	return reclaimed
}

// publish emits a snapshot taken while the manager lock was held, so event
// payloads never read a record that another goroutine is mutating.
func (m *Manager) publish(ws Workspace) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{
		Type:     events.TypeWorkspace,
		EntityID: ws.ID,
		Status:   string(ws.Status),
		Payload:  map[string]any{"path": ws.Path, "worker_id": ws.OwnerWorkerID},
	})
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// ResolvePath resolves a relative path against the workspace directory and
// rejects escapes. Used by tools that read and write task files.
func (ws *Workspace) ResolvePath(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(ws.Path, rel))
	if cleaned != ws.Path && !strings.HasPrefix(cleaned, ws.Path+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return cleaned, nil
}
