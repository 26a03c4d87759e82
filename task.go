package taskorch

import (
	"time"
)

// Task represents a unit of work in the shared store.
//
// Tasks are created and owned by the Store. Callers receive copies; changes
// are made only through Store operations.
type Task struct {
	// ID is the immutable task identifier (8 lowercase hex characters).
	ID string `json:"id"`

	// Title is a short, non-empty summary of the work.
	Title string `json:"title"`

	// Description provides detailed information about what needs to be done.
	Description string `json:"description,omitempty"`

	// Status is the current lifecycle state. Blocked is derived from the
	// dependency graph and never set directly.
	Status TaskStatus `json:"status"`

	// Priority orders available work.
	Priority Priority `json:"priority"`

	// Assignee is the agent ID working on this task. Empty means unassigned.
	Assignee string `json:"assignee,omitempty"`

	// CreatedBy is the agent ID that created the task.
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`

	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`

	// Criteria lists the success criteria attached to the task. The store
	// only checks their shape.
	Criteria []Criterion `json:"success_criteria,omitempty"`

	// Feedback holds review scores recorded after completion.
	Feedback *Feedback `json:"feedback,omitempty"`

	// CompletionSummary is a free-form summary supplied on completion.
	CompletionSummary string `json:"completion_summary,omitempty"`

	// DependsOn contains the IDs of prerequisite tasks.
	DependsOn []string `json:"depends_on,omitempty"`
}

// IsTerminal returns true if the task can no longer change status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsAvailable returns true if the task can be started by agentID: pending
// and either unassigned or already assigned to that agent.
func (t *Task) IsAvailable(agentID string) bool {
	if t.Status != StatusPending {
		return false
	}
	return t.Assignee == "" || t.Assignee == agentID
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Deadline != nil {
		v := *t.Deadline
		c.Deadline = &v
	}
	if t.EstimatedHours != nil {
		v := *t.EstimatedHours
		c.EstimatedHours = &v
	}
	if t.ActualHours != nil {
		v := *t.ActualHours
		c.ActualHours = &v
	}
	if t.Feedback != nil {
		c.Feedback = t.Feedback.clone()
	}
	c.Criteria = append([]Criterion(nil), t.Criteria...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// StatusPending indicates the task is ready to be started.
	StatusPending TaskStatus = "pending"

	// StatusBlocked indicates at least one prerequisite is not completed.
	StatusBlocked TaskStatus = "blocked"

	// StatusInProgress indicates the task is actively being worked on.
	StatusInProgress TaskStatus = "in_progress"

	// StatusCompleted indicates the task has been finished.
	StatusCompleted TaskStatus = "completed"

	// StatusCancelled indicates the task was abandoned.
	StatusCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every task status.
var AllStatuses = []TaskStatus{
	StatusPending, StatusBlocked, StatusInProgress, StatusCompleted,
	StatusCancelled,
}

// Valid returns true if s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusInProgress, StatusCompleted,
		StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for completed and cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority orders tasks when choosing what to work on next.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable rank, higher is more urgent. Unknown priorities
// rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// Valid returns true if p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Criterion is a single success criterion.
type Criterion struct {
	// Criterion describes what must be true for the task to succeed.
	Criterion string `json:"criterion"`

	// Measurable optionally describes how the criterion is checked.
	Measurable string `json:"measurable,omitempty"`
}

// Feedback holds review scores for a completed task. Scores range from 1
// to 5.
type Feedback struct {
	Quality    *int   `json:"quality,omitempty"`
	Timeliness *int   `json:"timeliness,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (f *Feedback) clone() *Feedback {
	c := *f
	if f.Quality != nil {
		v := *f.Quality
		c.Quality = &v
	}
	if f.Timeliness != nil {
		v := *f.Timeliness
		c.Timeliness = &v
	}
	return &c
}

// CreateInput holds the fields for a new task.
type CreateInput struct {
	Title          string
	Description    string
	Priority       Priority
	Assignee       string
	CreatedBy      string
	Deadline       *time.Time
	EstimatedHours *float64
	Criteria       []Criterion

	// DependsOn lists prerequisite task IDs. Duplicates are ignored.
	DependsOn []string
}

// UpdateInput describes a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Title             *string
	Description       *string
	Assignee          *string
	Priority          *Priority
	Deadline          *time.Time
	EstimatedHours    *float64
	ActualHours       *float64
	Criteria          []Criterion
	Feedback          *Feedback
	CompletionSummary *string

	// Status requests a caller transition. Blocked and completed are
	// rejected: the former is derived, the latter goes through Complete.
	Status TaskStatus
}

// IsEmpty returns true if the update changes nothing.
func (u *UpdateInput) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Assignee == nil &&
		u.Priority == nil && u.Deadline == nil && u.EstimatedHours == nil &&
		u.ActualHours == nil && u.Criteria == nil && u.Feedback == nil &&
		u.CompletionSummary == nil && u.Status == ""
}

// CompleteOptions carries optional completion details.
type CompleteOptions struct {
	Summary     string
	ActualHours *float64
	Feedback    *Feedback
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status   TaskStatus
	Assignee string
	Limit    int

	// HasDeps keeps only tasks with at least one prerequisite.
	HasDeps bool
}
