// Package worker runs the pool that drives tasks end to end: admission,
// workspace allocation, container provisioning, the engine loop, execution
// tracking, and teardown. Each worker is one goroutine; the admission
// controller is the only cross-worker synchronization point.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/pkg/admission"
	"conductor/pkg/engine"
	"conductor/pkg/errs"
	"conductor/pkg/events"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/sandbox"
	"conductor/pkg/tracker"
	"conductor/pkg/workspace"
)

// State is a worker's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StatePaused     State = "paused"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Submission is one queued unit of work.
type Submission struct {
	TaskID string
	RepoID string
	UserID string
}

// Workspaces is the workspace surface the pool needs.
type Workspaces interface {
	Create(opts workspace.CreateOpts) (workspace.Workspace, error)
	Cleanup(id string) error
}

// Containers is the sandbox surface the pool needs.
type Containers interface {
	Create(ctx context.Context, opts sandbox.CreateOpts) (*sandbox.Container, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
}

// Runner executes one task to completion. *engine.Engine satisfies it.
type Runner interface {
	ExecuteTask(ctx context.Context, opts engine.RunOpts) (*engine.Result, error)
}

// Config sizes and tunes the pool.
type Config struct {
	Workers       int
	QueueSize     int
	MaxIterations int
	MaxTokens     int
	Image         string
	Model         string
	StopTimeout   time.Duration
}

// Pool owns the workers and the task queue.
type Pool struct {
	admission  *admission.Controller
	workspaces Workspaces
	containers Containers
	runner     Runner
	tracker    *tracker.Tracker
	hub        *events.Hub
	metrics    *metrics.Metrics
	logger     *logx.Logger
	cfg        Config

	queue chan Submission

	mu      sync.Mutex
	states  map[string]State
	cancels map[string]context.CancelFunc
	paused  bool
	pauseCh chan struct{}
	resume  chan struct{}
}

// NewPool wires a pool from its collaborators. metrics may be nil.
func NewPool(adm *admission.Controller, ws Workspaces, ctrs Containers, runner Runner, tr *tracker.Tracker, hub *events.Hub, m *metrics.Metrics, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Pool{
		admission:  adm,
		workspaces: ws,
		containers: ctrs,
		runner:     runner,
		tracker:    tr,
		hub:        hub,
		metrics:    m,
		logger:     logx.NewLogger("pool"),
		cfg:        cfg,
		queue:      make(chan Submission, cfg.QueueSize),
		states:     make(map[string]State),
		cancels:    make(map[string]context.CancelFunc),
		pauseCh:    make(chan struct{}),
	}
}

// Submit enqueues a task. A full queue is a resource error rather than a
// blocking wait so callers can apply backpressure.
func (p *Pool) Submit(sub Submission) error {
	select {
	case p.queue <- sub:
		return nil
	default:
		return errs.Resource("task", sub.TaskID, "submit", errQueueFull)
	}
}

var errQueueFull = errors.New("queue is full")

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := workerID(i)
		p.setState(id, StateIdle)
		g.Go(func() error {
			defer p.setState(id, StateTerminated)
			return p.workerLoop(ctx, id)
		})
	}
	return g.Wait()
}

// Pause stops workers from picking up new tasks. In-flight tasks run to
// completion. Closing pauseCh wakes workers that are blocked on the queue.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
		close(p.pauseCh)
	}
}

// Resume lifts a pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.pauseCh = make(chan struct{})
		close(p.resume)
	}
}

// CancelExecution cancels a pending or running execution. The engine loop
// observes the cancellation at its next iteration boundary; the signal is
// also threaded into in-flight provider and tool calls.
func (p *Pool) CancelExecution(id string) error {
	if err := p.tracker.Cancel(id); err != nil {
		return err
	}
	p.mu.Lock()
	cancel := p.cancels[id]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// WorkerStates returns a snapshot of worker states by id.
func (p *Pool) WorkerStates() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]State, len(p.states))
	for id, st := range p.states {
		out[id] = st
	}
	return out
}

func (p *Pool) workerLoop(ctx context.Context, id string) error {
	for {
		p.mu.Lock()
		paused, pauseCh, resume := p.paused, p.pauseCh, p.resume
		p.mu.Unlock()

		if paused {
			p.setState(id, StatePaused)
			select {
			case <-resume:
				p.setState(id, StateIdle)
				continue
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-pauseCh:
			continue
		case sub := <-p.queue:
			p.setState(id, StateWorking)
			if err := p.runTask(ctx, id, sub); err != nil {
				// The worker recovers on its next pickup; the error
				// state makes the failed pipeline observable.
				p.setState(id, StateError)
			} else {
				p.setState(id, StateIdle)
			}
		}
	}
}

// runTask drives one task through the full pipeline. Failures before the
// engine runs land the execution in error; the engine's own three outcomes
// map onto success, error, and cancelled. A returned error means the
// pipeline itself failed and puts the worker in the error state.
func (p *Pool) runTask(ctx context.Context, workerID string, sub Submission) error {
	exec, err := p.tracker.Start(workerID, sub.TaskID, p.cfg.Model)
	if err != nil {
		p.logger.Error("start execution for task %s: %v", sub.TaskID, err)
		return err
	}

	admitted, exhausted := p.admission.TryAdmit(workerID, admission.Scope{
		RepoID: sub.RepoID,
		UserID: sub.UserID,
	})
	if !admitted {
		if p.metrics != nil {
			p.metrics.AdmissionRejections.WithLabelValues(exhausted).Inc()
		}
		p.finish(exec.ID, tracker.StateError, "admission denied: "+exhausted+" limit exhausted")
		return nil
	}
	defer p.admission.Release(workerID)

	if p.metrics != nil {
		p.metrics.ActiveWorkers.Inc()
		defer p.metrics.ActiveWorkers.Dec()
	}

	ws, err := p.workspaces.Create(workspace.CreateOpts{
		WorkerID: workerID,
		TaskID:   sub.TaskID,
		RepoID:   sub.RepoID,
	})
	if err != nil {
		p.finish(exec.ID, tracker.StateError, err.Error())
		return err
	}
	defer func() {
		if err := p.workspaces.Cleanup(ws.ID); err != nil {
			p.logger.Warn("cleanup workspace %s: %v", ws.ID, err)
		}
	}()

	ctr, err := p.containers.Create(ctx, sandbox.CreateOpts{
		Image:       p.cfg.Image,
		WorkspaceID: ws.ID,
		ExecutionID: exec.ID,
	})
	if err != nil {
		p.finish(exec.ID, tracker.StateError, err.Error())
		return err
	}
	defer p.teardown(ctr.ID)

	if err := p.containers.Start(ctx, ctr.ID); err != nil {
		p.finish(exec.ID, tracker.StateError, err.Error())
		return err
	}

	if err := p.tracker.UpdateStatus(exec.ID, tracker.StateRunning, ""); err != nil {
		// Cancelled between pending and running.
		p.logger.Info("execution %s not runnable: %v", exec.ID, err)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[exec.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, exec.ID)
		p.mu.Unlock()
	}()

	result, err := p.runner.ExecuteTask(runCtx, engine.RunOpts{
		Workspace:     &ws,
		TaskID:        sub.TaskID,
		ContainerID:   ctr.ID,
		MaxIterations: p.cfg.MaxIterations,
		MaxTokens:     p.cfg.MaxTokens,
	})
	if err != nil {
		p.finish(exec.ID, tracker.StateError, err.Error())
		return err
	}

	if usageErr := p.tracker.AddUsage(exec.ID, result.TokensUsed, result.CostUSD, result.ToolCallsCount); usageErr != nil {
		p.logger.Warn("record usage for %s: %v", exec.ID, usageErr)
	}
	p.recordUsageMetrics(exec.ID, result)

	switch {
	case result.Success:
		p.finish(exec.ID, tracker.StateSuccess, "")
	case runCtx.Err() != nil:
		p.finish(exec.ID, tracker.StateCancelled, "")
	case result.Err != nil:
		p.finish(exec.ID, tracker.StateError, result.Err.Error())
	default:
		p.finish(exec.ID, tracker.StateError, "execution ended without a result")
	}
	return nil
}

// finish moves the execution to a terminal state, tolerating races with
// cancellation.
func (p *Pool) finish(execID string, state tracker.State, errMsg string) {
	if err := p.tracker.UpdateStatus(execID, state, errMsg); err != nil && !errs.IsStateConflict(err) {
		p.logger.Error("finish execution %s: %v", execID, err)
	}
}

// teardown stops and removes the container, forcing removal if the
// graceful path failed.
func (p *Pool) teardown(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout+30*time.Second)
	defer cancel()

	if err := p.containers.Stop(ctx, containerID, p.cfg.StopTimeout); err != nil {
		p.logger.Warn("stop container %s: %v", containerID, err)
	}
	if err := p.containers.Remove(ctx, containerID, false); err != nil {
		p.logger.Warn("remove container %s failed, forcing: %v", containerID, err)
		if err := p.containers.Remove(ctx, containerID, true); err != nil {
			p.logger.Error("force remove container %s: %v", containerID, err)
		}
	}
}

func (p *Pool) recordUsageMetrics(execID string, result *engine.Result) {
	if p.metrics == nil {
		return
	}
	model := p.cfg.Model
	p.metrics.TokensTotal.WithLabelValues(execID, model, "input").Add(float64(result.InputTokens))
	p.metrics.TokensTotal.WithLabelValues(execID, model, "output").Add(float64(result.OutputTokens))
	p.metrics.CostsTotal.WithLabelValues(execID, model).Add(result.CostUSD)
}

func (p *Pool) setState(id string, state State) {
	p.mu.Lock()
	p.states[id] = state
	p.mu.Unlock()
	if p.hub != nil {
		p.hub.Publish(events.Event{
			Type:     events.TypeWorker,
			EntityID: id,
			Status:   string(state),
		})
	}
}

func workerID(i int) string {
	return fmt.Sprintf("worker-%d", i)
}
