// Package tracker records execution lifecycle state and usage metrics.
// Executions move pending, running, then exactly one of success, error, or
// cancelled. Timestamps stay monotonic: startedAt is set when the execution
// first runs and completedAt never precedes it.
package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/errs"
	"conductor/pkg/events"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
)

// State is the lifecycle state of one execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state ends the lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// Execution is the tracked record of one worker run.
type Execution struct {
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ID          string
	WorkerID    string
	TaskID      string
	Model       string
	ErrMsg      string
	State       State
	DurationMs  int64

	TokensUsed     int
	ToolCallsCount int
	CostUSD        float64
}

// Tracker owns execution records and publishes their transitions.
type Tracker struct {
	executions map[string]*Execution
	byWorker   map[string]string
	hub        *events.Hub
	metrics    *metrics.Metrics
	logger     *logx.Logger
	now        func() time.Time
	mu         sync.Mutex
}

// New creates a tracker. metrics may be nil when Prometheus recording is
// not wanted, as in tests.
func New(hub *events.Hub, m *metrics.Metrics) *Tracker {
	return &Tracker{
		executions: make(map[string]*Execution),
		byWorker:   make(map[string]string),
		hub:        hub,
		metrics:    m,
		logger:     logx.NewLogger("tracker"),
		now:        time.Now,
	}
}

// Start registers a new pending execution. A worker may hold at most one
// non-terminal execution at a time.
func (t *Tracker) Start(workerID, taskID, model string) (*Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if openID, ok := t.byWorker[workerID]; ok {
		return nil, errs.StateConflict("worker", workerID, "start execution",
			"non-terminal execution "+openID)
	}

	exec := &Execution{
		CreatedAt: t.now().UTC(),
		ID:        "exec-" + uuid.New().String(),
		WorkerID:  workerID,
		TaskID:    taskID,
		Model:     model,
		State:     StatePending,
	}
	t.executions[exec.ID] = exec
	t.byWorker[workerID] = exec.ID

	t.publishLocked(exec)
	return snapshot(exec), nil
}

// UpdateStatus transitions an execution. Moving to running sets startedAt
// if unset; moving to a terminal state sets completedAt, back-fills
// startedAt defensively, and computes durationMs. Transitions out of a
// terminal state are conflicts.
func (t *Tracker) UpdateStatus(id string, state State, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec, ok := t.executions[id]
	if !ok {
		return errs.NotFound("execution", id)
	}
	if exec.State.Terminal() {
		return errs.StateConflict("execution", id, "update status", string(exec.State))
	}

	now := t.now().UTC()
	switch {
	case state == StateRunning:
		if exec.StartedAt.IsZero() {
			exec.StartedAt = now
		}
	case state.Terminal():
		exec.CompletedAt = now
		if exec.StartedAt.IsZero() {
			exec.StartedAt = exec.CompletedAt
		}
		exec.DurationMs = exec.CompletedAt.Sub(exec.StartedAt).Milliseconds()
		exec.ErrMsg = errMsg
		delete(t.byWorker, exec.WorkerID)
	case state == StatePending:
		return errs.StateConflict("execution", id, "update status", string(exec.State))
	}
	exec.State = state

	if state.Terminal() && t.metrics != nil {
		t.metrics.ExecutionsTotal.WithLabelValues(string(state), exec.Model).Inc()
		t.metrics.ExecutionDuration.WithLabelValues(string(state)).
			Observe(float64(exec.DurationMs) / 1000)
	}

	t.logger.Info("execution %s -> %s", id, state)
	t.publishLocked(exec)
	return nil
}

// Cancel marks the execution cancelled. Only valid from pending or
// running. Cancellation is cooperative: the engine loop observes it at the
// next iteration boundary.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	exec, ok := t.executions[id]
	if !ok {
		t.mu.Unlock()
		return errs.NotFound("execution", id)
	}
	if exec.State != StatePending && exec.State != StateRunning {
		current := exec.State
		t.mu.Unlock()
		return errs.StateConflict("execution", id, "cancel", string(current))
	}
	t.mu.Unlock()

	return t.UpdateStatus(id, StateCancelled, "")
}

// AddUsage accumulates usage metrics for an execution. Deltas are additive;
// negative values are dropped so totals never decrease.
func (t *Tracker) AddUsage(id string, tokens int, costUSD float64, toolCalls int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec, ok := t.executions[id]
	if !ok {
		return errs.NotFound("execution", id)
	}

	if tokens > 0 {
		exec.TokensUsed += tokens
	}
	if costUSD > 0 {
		exec.CostUSD += costUSD
	}
	if toolCalls > 0 {
		exec.ToolCallsCount += toolCalls
	}
	return nil
}

// Get returns a copy of the execution record.
func (t *Tracker) Get(id string) (*Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions[id]
	if !ok {
		return nil, errs.NotFound("execution", id)
	}
	return snapshot(exec), nil
}

// List returns copies of all tracked executions.
func (t *Tracker) List() []*Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Execution, 0, len(t.executions))
	for _, exec := range t.executions {
		out = append(out, snapshot(exec))
	}
	return out
}

func (t *Tracker) publishLocked(exec *Execution) {
	if t.hub == nil {
		return
	}
	t.hub.Publish(events.Event{
		Type:     events.TypeExecution,
		EntityID: exec.ID,
		Status:   string(exec.State),
		Payload: map[string]any{
			"worker_id": exec.WorkerID,
			"task_id":   exec.TaskID,
		},
	})
}

func snapshot(exec *Execution) *Execution {
	cp := *exec
	return &cp
}
