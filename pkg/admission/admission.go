// Package admission gatekeeps how many workers may run concurrently against
// global, per-repository, and per-user ceilings. It is the single
// cross-worker synchronization point in the orchestrator: the admission check
// and the counter increment happen inside one critical section, so concurrent
// requests can never over-admit.
package admission

import (
	"sync"

	"conductor/pkg/logx"
)

// Limits holds the configured ceilings. A zero or negative per-repo/per-user
// limit disables that scope; the global limit is always enforced.
type Limits struct {
	Global  int
	PerRepo int
	PerUser int
}

// Scope identifies which ceilings a worker counts against.
type Scope struct {
	RepoID string
	UserID string
}

// Scope names returned for diagnostics when admission is denied.
const (
	ScopeGlobal = "global"
	ScopeRepo   = "repo"
	ScopeUser   = "user"
)

// Controller tracks in-flight workers per scope.
type Controller struct {
	logger  *logx.Logger
	repos   map[string]int
	users   map[string]int
	workers map[string]Scope
	limits  Limits
	global  int
	mu      sync.Mutex
}

// New creates an admission controller with the given ceilings.
func New(limits Limits) *Controller {
	return &Controller{
		logger:  logx.NewLogger("admission"),
		limits:  limits,
		repos:   make(map[string]int),
		users:   make(map[string]int),
		workers: make(map[string]Scope),
	}
}

// TryAdmit attempts to admit workerID under the given scope. It returns
// whether the worker was admitted and, when denied, the name of the scope
// that was exhausted. It never returns an error.
//
// The check and the increment are a single atomic operation; splitting them
// would permit over-admission under concurrent requests.
func (c *Controller) TryAdmit(workerID string, scope Scope) (admitted bool, exhausted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.workers[workerID]; dup {
		// Already admitted; treat as denied rather than double-count.
		c.logger.Warn("worker %s requested admission twice", workerID)
		return false, ScopeGlobal
	}

	if c.limits.Global > 0 && c.global >= c.limits.Global {
		return false, ScopeGlobal
	}
	if scope.RepoID != "" && c.limits.PerRepo > 0 && c.repos[scope.RepoID] >= c.limits.PerRepo {
		return false, ScopeRepo
	}
	if scope.UserID != "" && c.limits.PerUser > 0 && c.users[scope.UserID] >= c.limits.PerUser {
		return false, ScopeUser
	}

	c.global++
	if scope.RepoID != "" {
		c.repos[scope.RepoID]++
	}
	if scope.UserID != "" {
		c.users[scope.UserID]++
	}
	c.workers[workerID] = scope
	return true, ""
}

// Release decrements every scope the worker was counted against. Releasing
// an unknown worker is a no-op.
func (c *Controller) Release(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope, ok := c.workers[workerID]
	if !ok {
		return
	}
	delete(c.workers, workerID)

	c.global--
	if scope.RepoID != "" {
		if c.repos[scope.RepoID]--; c.repos[scope.RepoID] <= 0 {
			delete(c.repos, scope.RepoID)
		}
	}
	if scope.UserID != "" {
		if c.users[scope.UserID]--; c.users[scope.UserID] <= 0 {
			delete(c.users, scope.UserID)
		}
	}
}

// InFlight returns the number of currently admitted workers.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// InFlightRepo returns the number of admitted workers for a repository.
func (c *Controller) InFlightRepo(repoID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repos[repoID]
}

// InFlightUser returns the number of admitted workers for a user.
func (c *Controller) InFlightUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users[userID]
}
