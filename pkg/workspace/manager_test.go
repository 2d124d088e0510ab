package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/events"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func TestCreateAllocatesDirectoryThenRecord(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Create(CreateOpts{WorkerID: "w-1", TaskID: "t-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, ws.Status)
	assert.DirExists(t, ws.Path)

	got, err := m.Get(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.Path, got.Path)
	assert.Equal(t, "w-1", got.OwnerWorkerID)
}

func TestCreateFailureLeavesNoRecord(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root, nil)
	require.NoError(t, err)

	// Make the root unwritable so directory allocation fails.
	require.NoError(t, os.Chmod(root, 0o500))
	t.Cleanup(func() { _ = os.Chmod(root, 0o755) })

	_, err = m.Create(CreateOpts{})
	if err == nil {
		t.Skip("running as root, cannot provoke permission failure")
	}
	assert.Empty(t, m.List())
}

func TestWorkspacePathsAreUnique(t *testing.T) {
	m := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		ws, err := m.Create(CreateOpts{})
		require.NoError(t, err)
		require.False(t, seen[ws.Path], "duplicate workspace path %s", ws.Path)
		seen[ws.Path] = true
	}
}

func TestCleanupRemovesDirectory(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Create(CreateOpts{})
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(ws.ID))
	assert.NoDirExists(t, ws.Path)

	_, err = m.Get(ws.ID)
	assert.Error(t, err)
}

func TestCleanupIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Create(CreateOpts{})
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(ws.ID))
	assert.NoError(t, m.Cleanup(ws.ID), "second cleanup must not fail")
}

func TestCleanupTreatsAbsentDirectoryAsSuccess(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Create(CreateOpts{})
	require.NoError(t, err)

	// Remove the directory behind the manager's back.
	require.NoError(t, os.RemoveAll(ws.Path))
	assert.NoError(t, m.Cleanup(ws.ID))
}

func TestCleanupStaleReclaimsOnlyOldActive(t *testing.T) {
	m := newTestManager(t)

	old, err := m.Create(CreateOpts{})
	require.NoError(t, err)
	fresh, err := m.Create(CreateOpts{})
	require.NoError(t, err)

	// Age the first workspace past the threshold.
	m.mu.Lock()
	m.workspaces[old.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	reclaimed := m.CleanupStale(time.Hour)
	assert.Equal(t, 1, reclaimed)

	_, err = m.Get(old.ID)
	assert.Error(t, err)
	got, err := m.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestCleanupConcurrentWithStaleSweep(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	ch, unsubscribe := hub.Subscribe(256)
	defer unsubscribe()
	go func() {
		for range ch {
		}
	}()

	m, err := NewManager(t.TempDir(), hub)
	require.NoError(t, err)

	ids := make([]string, 8)
	for i := range ids {
		ws, err := m.Create(CreateOpts{})
		require.NoError(t, err)
		ids[i] = ws.ID
	}
	m.mu.Lock()
	for _, id := range ids {
		m.workspaces[id].CreatedAt = time.Now().Add(-2 * time.Hour)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			_ = m.Cleanup(id)
		}
	}()
	go func() {
		defer wg.Done()
		m.CleanupStale(time.Hour)
	}()
	wg.Wait()

	assert.Empty(t, m.List())
}

func TestResolvePathRejectsEscape(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Create(CreateOpts{})
	require.NoError(t, err)

	inside, err := ws.ResolvePath("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Path, "src", "main.go"), inside)

	_, err = ws.ResolvePath("../../etc/passwd")
	assert.Error(t, err)
}
