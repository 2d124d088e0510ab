package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/admission"
	"conductor/pkg/engine"
	"conductor/pkg/sandbox"
	"conductor/pkg/tracker"
	"conductor/pkg/workspace"
)

type fakeWorkspaces struct {
	mu       sync.Mutex
	created  []workspace.CreateOpts
	cleaned  []string
	createFn func(workspace.CreateOpts) (workspace.Workspace, error)
}

func (f *fakeWorkspaces) Create(opts workspace.CreateOpts) (workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	if f.createFn != nil {
		return f.createFn(opts)
	}
	return workspace.Workspace{ID: "ws-1", Path: "/tmp/ws-1"}, nil
}

func (f *fakeWorkspaces) Cleanup(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
	return nil
}

func (f *fakeWorkspaces) cleanedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

func (f *fakeWorkspaces) setCreateFn(fn func(workspace.CreateOpts) (workspace.Workspace, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFn = fn
}

type fakeContainers struct {
	mu        sync.Mutex
	started   []string
	stopped   []string
	removed   []string
	forced    []string
	createErr error
	startErr  error
	removeErr error
}

func (f *fakeContainers) Create(_ context.Context, opts sandbox.CreateOpts) (*sandbox.Container, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Container{ID: "ctr-1", WorkspaceID: opts.WorkspaceID, ExecutionID: opts.ExecutionID}, nil
}

func (f *fakeContainers) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeContainers) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeContainers) Remove(_ context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forced = append(f.forced, id)
		return nil
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeContainers) forcedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forced...)
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []engine.RunOpts
	result *engine.Result
	err    error
	block  chan struct{}
}

func (f *fakeRunner) ExecuteTask(ctx context.Context, opts engine.RunOpts) (*engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &engine.Result{Err: errors.New("execution cancelled")}, nil
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &engine.Result{Success: true, FinalMessage: "done", Iterations: 1}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type poolFixture struct {
	pool       *Pool
	tracker    *tracker.Tracker
	workspaces *fakeWorkspaces
	containers *fakeContainers
	runner     *fakeRunner
	cancel     context.CancelFunc
	done       chan struct{}
}

func startPool(t *testing.T, limits admission.Limits, cfg Config, runner *fakeRunner) *poolFixture {
	t.Helper()
	tr := tracker.New(nil, nil)
	ws := &fakeWorkspaces{}
	ctrs := &fakeContainers{}
	if runner == nil {
		runner = &fakeRunner{}
	}
	pool := NewPool(admission.New(limits), ws, ctrs, runner, tr, nil, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &poolFixture{pool: pool, tracker: tr, workspaces: ws, containers: ctrs, runner: runner, cancel: cancel, done: done}
}

func waitForTerminal(t *testing.T, tr *tracker.Tracker, taskID string) *tracker.Execution {
	t.Helper()
	var found *tracker.Execution
	require.Eventually(t, func() bool {
		for _, exec := range tr.List() {
			if exec.TaskID == taskID && exec.State.Terminal() {
				found = exec
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func TestPoolRunsTaskToSuccess(t *testing.T) {
	f := startPool(t, admission.Limits{Global: 2}, Config{Workers: 1, Model: "claude-sonnet-4-5"}, nil)

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1", RepoID: "repo-a", UserID: "alice"}))

	exec := waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateSuccess, exec.State)
	assert.Equal(t, "claude-sonnet-4-5", exec.Model)
	assert.Empty(t, exec.ErrMsg)

	// Teardown released everything.
	require.Eventually(t, func() bool {
		return len(f.workspaces.cleanedIDs()) == 1 && len(f.containers.removedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ws-1"}, f.workspaces.cleanedIDs())
	assert.Equal(t, []string{"ctr-1"}, f.containers.removedIDs())
}

func TestPoolAdmissionRejection(t *testing.T) {
	blocker := &fakeRunner{block: make(chan struct{})}
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 2}, blocker)

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))
	require.Eventually(t, func() bool { return blocker.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Second task hits the global ceiling while the first holds its slot.
	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-2"}))
	exec := waitForTerminal(t, f.tracker, "task-2")
	assert.Equal(t, tracker.StateError, exec.State)
	assert.Contains(t, exec.ErrMsg, "admission denied")
	assert.Contains(t, exec.ErrMsg, "global")

	close(blocker.block)
	exec = waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateSuccess, exec.State)

	// The slot is released once the worker is back to idle.
	require.Eventually(t, func() bool {
		for _, st := range f.pool.WorkerStates() {
			if st != StateIdle {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-3"}))
	exec = waitForTerminal(t, f.tracker, "task-3")
	assert.Equal(t, tracker.StateSuccess, exec.State)
}

func TestPoolEngineFailureStillTearsDown(t *testing.T) {
	runner := &fakeRunner{err: errors.New("task not found")}
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 1}, runner)

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))

	exec := waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateError, exec.State)
	assert.Contains(t, exec.ErrMsg, "task not found")

	require.Eventually(t, func() bool {
		return len(f.workspaces.cleanedIDs()) == 1 && len(f.containers.removedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolWorkerEntersErrorStateOnPipelineFailure(t *testing.T) {
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 1}, nil)
	f.workspaces.setCreateFn(func(workspace.CreateOpts) (workspace.Workspace, error) {
		return workspace.Workspace{}, errors.New("disk full")
	})

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))

	exec := waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateError, exec.State)
	assert.Contains(t, exec.ErrMsg, "disk full")

	require.Eventually(t, func() bool {
		for _, st := range f.pool.WorkerStates() {
			if st == StateError {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The worker recovers on its next pickup.
	f.workspaces.setCreateFn(nil)
	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-2"}))
	exec = waitForTerminal(t, f.tracker, "task-2")
	assert.Equal(t, tracker.StateSuccess, exec.State)
	require.Eventually(t, func() bool {
		for _, st := range f.pool.WorkerStates() {
			if st != StateIdle {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolUnsuccessfulResultRecordsError(t *testing.T) {
	runner := &fakeRunner{result: &engine.Result{Err: errors.New("max iterations exceeded (5)"), Iterations: 5}}
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 1}, runner)

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))

	exec := waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateError, exec.State)
	assert.Contains(t, exec.ErrMsg, "max iterations")
}

func TestPoolRemoveFailureForcesRemoval(t *testing.T) {
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 1}, nil)
	f.containers.removeErr = errors.New("daemon busy")

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))
	waitForTerminal(t, f.tracker, "task-1")

	require.Eventually(t, func() bool {
		return len(f.containers.forcedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.containers.removedIDs())
}

func TestPoolCancelExecution(t *testing.T) {
	blocker := &fakeRunner{block: make(chan struct{})}
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 1}, blocker)

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))

	var running *tracker.Execution
	require.Eventually(t, func() bool {
		for _, exec := range f.tracker.List() {
			if exec.State == tracker.StateRunning {
				running = exec
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.pool.CancelExecution(running.ID))

	exec := waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateCancelled, exec.State)

	// Cancelling a finished execution is a state conflict.
	err := f.pool.CancelExecution(running.ID)
	require.Error(t, err)
}

func TestPoolPauseAndResume(t *testing.T) {
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 1}, nil)

	f.pool.Pause()
	require.Eventually(t, func() bool {
		for _, st := range f.pool.WorkerStates() {
			if st == StatePaused {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.pool.Submit(Submission{TaskID: "task-1"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.runner.callCount())

	f.pool.Resume()
	exec := waitForTerminal(t, f.tracker, "task-1")
	assert.Equal(t, tracker.StateSuccess, exec.State)
}

func TestPoolSubmitQueueFull(t *testing.T) {
	tr := tracker.New(nil, nil)
	pool := NewPool(admission.New(admission.Limits{Global: 1}), &fakeWorkspaces{}, &fakeContainers{}, &fakeRunner{}, tr, nil, nil, Config{Workers: 1, QueueSize: 1})

	// Pool not running, so the single queue slot fills immediately.
	require.NoError(t, pool.Submit(Submission{TaskID: "task-1"}))
	err := pool.Submit(Submission{TaskID: "task-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
}

func TestPoolShutdownTerminatesWorkers(t *testing.T) {
	f := startPool(t, admission.Limits{Global: 1}, Config{Workers: 2}, nil)

	f.cancel()
	<-f.done

	for _, st := range f.pool.WorkerStates() {
		assert.Equal(t, StateTerminated, st)
	}
}
