// Package taskstore provides the external task metadata boundary. The
// engine reads task definitions from here; execution state lives with the
// tracker, not in the store.
package taskstore

import (
	"context"
	"time"
)

// Task is the unit of work handed to a worker.
type Task struct {
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	SuccessCriteria string    `json:"success_criteria"`
	RepoID          string    `json:"repo_id"`
	UserID          string    `json:"user_id"`
}

// Store is the task metadata boundary.
type Store interface {
	// Put inserts or replaces a task.
	Put(ctx context.Context, task *Task) error
	// Get returns the task or a not-found error.
	Get(ctx context.Context, id string) (*Task, error)
	// List returns all tasks ordered by creation time.
	List(ctx context.Context) ([]*Task, error)
	// Delete removes a task. Deleting an absent task is a no-op.
	Delete(ctx context.Context, id string) error
	Close() error
}
