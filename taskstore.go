package taskorch

import (
	"context"
)

// TaskStore is the interface for task persistence.
//
// Every mutating method is atomic: the task change, any derived changes to
// dependents, and their notifications commit together or not at all.
// Implementations serialize mutations across processes; reads see the
// latest committed state without waiting.
type TaskStore interface {
	// Create adds a new task and returns its generated ID. The initial
	// status is blocked if any prerequisite is incomplete, else pending.
	Create(ctx context.Context, in CreateInput) (string, error)

	// Get retrieves a task by ID.
	// Returns ErrTaskNotFound if the task doesn't exist.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Update modifies an existing task. Only set fields are applied.
	// Status may not be set to blocked or completed.
	Update(ctx context.Context, taskID string, in UpdateInput) error

	// Delete removes a task and its outgoing edges.
	// Returns ErrDependencyExists if any task depends on it.
	Delete(ctx context.Context, taskID string) error

	// Complete finishes an in-progress task and unblocks dependents whose
	// prerequisites are now all complete.
	Complete(ctx context.Context, taskID string, opts CompleteOptions) error

	// Start moves a pending task to in_progress.
	Start(ctx context.Context, taskID, assignee string) error

	// Cancel moves a pending or in-progress task to cancelled.
	Cancel(ctx context.Context, taskID string) error

	// List returns tasks matching filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]Task, error)

	// AddDependency records that taskID cannot proceed until
	// prerequisiteID completes.
	// Returns ErrCircularDependency if the edge would close a cycle.
	AddDependency(ctx context.Context, taskID, prerequisiteID string) error

	// RemoveDependency deletes an edge.
	RemoveDependency(ctx context.Context, taskID, prerequisiteID string) error

	// IsBlocked reports whether any prerequisite is incomplete.
	IsBlocked(ctx context.Context, taskID string) (bool, error)

	// Poll returns events after cursor and the next cursor.
	Poll(ctx context.Context, cursor int64,
		opts ...PollOption) ([]Notification, int64, error)
}

// TaskStoreWithGraph extends TaskStore with whole-graph queries.
type TaskStoreWithGraph interface {
	TaskStore

	// Edges returns every dependency edge.
	Edges(ctx context.Context) ([]Edge, error)

	// Order returns all task IDs with prerequisites first.
	Order(ctx context.Context) ([]string, error)

	// CriticalPath returns the heaviest chain of open tasks, weighted by
	// estimated hours.
	CriticalPath(ctx context.Context) ([]string, float64, error)
}

// TaskStoreWithParticipants extends TaskStore with participation records.
type TaskStoreWithParticipants interface {
	TaskStore

	// Join records agentID as a participant of taskID. Joining twice is a
	// no-op.
	Join(ctx context.Context, taskID, agentID string) error

	// Participants lists the agents that joined taskID.
	Participants(ctx context.Context, taskID string) ([]string, error)
}

// TaskStoreWithMigrations exposes schema management.
type TaskStoreWithMigrations interface {
	TaskStore

	// Migrations returns the migration manager bound to the store.
	Migrations() *MigrationManager
}

// Verify interface compliance at compile time.
var (
	_ TaskStoreWithGraph        = (*Store)(nil)
	_ TaskStoreWithParticipants = (*Store)(nil)
	_ TaskStoreWithMigrations   = (*Store)(nil)
)
