package taskorch

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"
)

// TaskManager provides agent-facing task workflows on top of a TaskStore.
//
// TaskManager wraps a TaskStore to provide ergonomic APIs for common
// operations like claiming the next available task and watching for
// changes addressed to this agent.
//
// Example:
//
//	tm := taskorch.NewTaskManagerWithStore("backend-agent", store)
//	task, _ := tm.Create(ctx, "Build auth module", taskorch.WithPriority(taskorch.PriorityHigh))
//	tm.Claim(ctx, task.ID)
//	tm.Complete(ctx, task.ID, taskorch.CompleteOptions{Summary: "done"})
type TaskManager struct {
	store   TaskStore
	agentID string

	// owned is set when the manager opened store itself.
	owned bool
}

// NewTaskManager opens the store described by cfg and binds it to
// cfg.AgentID.
func NewTaskManager(ctx context.Context, cfg Config,
	opts ...Option) (*TaskManager, error) {

	store, err := Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &TaskManager{
		store:   store,
		agentID: cfg.AgentID,
		owned:   true,
	}, nil
}

// NewTaskManagerWithStore creates a task manager with an existing store.
// The caller keeps ownership of store.
func NewTaskManagerWithStore(agentID string, store TaskStore) *TaskManager {
	return &TaskManager{
		store:   store,
		agentID: agentID,
	}
}

// Close closes the store if NewTaskManager opened it. Managers built with
// NewTaskManagerWithStore leave the store to their caller.
func (tm *TaskManager) Close() error {
	if !tm.owned {
		return nil
	}
	if c, ok := tm.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AgentID returns the agent this manager acts for.
func (tm *TaskManager) AgentID() string {
	return tm.agentID
}

// Store returns the underlying TaskStore.
func (tm *TaskManager) Store() TaskStore {
	return tm.store
}

// TaskOption is a functional option for creating tasks.
type TaskOption func(*CreateInput)

// WithDescription sets the task description.
func WithDescription(description string) TaskOption {
	return func(in *CreateInput) {
		in.Description = description
	}
}

// WithPriority sets the task priority.
func WithPriority(priority Priority) TaskOption {
	return func(in *CreateInput) {
		in.Priority = priority
	}
}

// WithAssignee assigns the task at creation.
func WithAssignee(agentID string) TaskOption {
	return func(in *CreateInput) {
		in.Assignee = agentID
	}
}

// WithEstimate sets the estimated effort in hours.
func WithEstimate(hours float64) TaskOption {
	return func(in *CreateInput) {
		in.EstimatedHours = &hours
	}
}

// WithDeadline sets the deadline.
func WithDeadline(deadline time.Time) TaskOption {
	return func(in *CreateInput) {
		in.Deadline = &deadline
	}
}

// WithCriteria attaches success criteria.
func WithCriteria(criteria ...Criterion) TaskOption {
	return func(in *CreateInput) {
		in.Criteria = append(in.Criteria, criteria...)
	}
}

// DependsOn adds prerequisite task IDs.
func DependsOn(taskIDs ...string) TaskOption {
	return func(in *CreateInput) {
		in.DependsOn = append(in.DependsOn, taskIDs...)
	}
}

// Create adds a new task created by this agent and returns it.
func (tm *TaskManager) Create(ctx context.Context, title string,
	opts ...TaskOption) (*Task, error) {

	in := CreateInput{
		Title:     title,
		CreatedBy: tm.agentID,
	}
	for _, opt := range opts {
		opt(&in)
	}

	id, err := tm.store.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	return tm.store.Get(ctx, id)
}

// Get retrieves a task by ID.
func (tm *TaskManager) Get(ctx context.Context, taskID string) (*Task, error) {
	return tm.store.Get(ctx, taskID)
}

// ListMine returns tasks assigned to this agent.
func (tm *TaskManager) ListMine(ctx context.Context) ([]Task, error) {
	return tm.store.List(ctx, ListFilter{Assignee: tm.agentID})
}

// ListAvailable returns pending tasks this agent may start, most urgent
// first. Ties are broken by age.
func (tm *TaskManager) ListAvailable(ctx context.Context) ([]Task, error) {
	tasks, err := tm.store.List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		return nil, err
	}

	var available []Task
	for _, t := range tasks {
		if t.IsAvailable(tm.agentID) {
			available = append(available, t)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Priority.Rank() > available[j].Priority.Rank()
	})
	return available, nil
}

// Claim starts a task and assigns it to this agent.
//
// Returns ErrInvalidTransition if the task is not pending, e.g. because
// another agent claimed it first, and ErrValidation if it is assigned to
// a different agent.
func (tm *TaskManager) Claim(ctx context.Context, taskID string) error {
	return tm.store.Start(ctx, taskID, tm.agentID)
}

// Complete marks a task as completed.
//
// This automatically unblocks tasks that were waiting on this one.
func (tm *TaskManager) Complete(ctx context.Context, taskID string,
	opts CompleteOptions) error {

	return tm.store.Complete(ctx, taskID, opts)
}

// NextAvailable returns the most urgent available task.
//
// Returns nil if no tasks are available.
func (tm *TaskManager) NextAvailable(ctx context.Context) (*Task, error) {
	available, err := tm.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, nil
	}
	return &available[0], nil
}

// ClaimNext claims the most urgent available task and returns it.
//
// Tasks claimed or assigned to another agent between listing and claiming
// are skipped.
// Returns nil if nothing could be claimed.
func (tm *TaskManager) ClaimNext(ctx context.Context) (*Task, error) {
	available, err := tm.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range available {
		err := tm.Claim(ctx, t.ID)
		var (
			invalid  *ErrInvalidTransition
			assigned *ErrValidation
		)
		if errors.As(err, &invalid) || errors.As(err, &assigned) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// Return fresh copy with updated status.
		return tm.Get(ctx, t.ID)
	}

	return nil, nil
}

// Watch polls for notifications addressed to this agent (or broadcast)
// after cursor, delivering them on the returned channel.
//
// The channel is closed when the context is canceled. Poll errors are
// retried on the next tick.
func (tm *TaskManager) Watch(ctx context.Context, cursor int64,
	interval time.Duration) <-chan Notification {

	ch := make(chan Notification, 16)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			events, next, err := tm.store.Poll(ctx, cursor,
				WithRecipient(tm.agentID))
			if err == nil {
				for _, ev := range events {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
				cursor = next
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch
}

// TaskStats holds summary statistics for the store.
type TaskStats struct {
	Total      int
	Pending    int
	Blocked    int
	InProgress int
	Completed  int
	Cancelled  int

	// Available counts pending tasks this agent may start.
	Available int
}

// Stats calculates summary statistics.
func (tm *TaskManager) Stats(ctx context.Context) (*TaskStats, error) {
	tasks, err := tm.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	stats := &TaskStats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusBlocked:
			stats.Blocked++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if t.IsAvailable(tm.agentID) {
			stats.Available++
		}
	}

	return stats, nil
}
