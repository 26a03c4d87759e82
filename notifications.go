package taskorch

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventType identifies the kind of task change recorded in the log.
type EventType string

const (
	// EventCreated indicates a new task was created.
	EventCreated EventType = "created"

	// EventStarted indicates a task moved to in_progress.
	EventStarted EventType = "started"

	// EventCompleted indicates a task was completed.
	EventCompleted EventType = "completed"

	// EventBlocked indicates a task gained an incomplete prerequisite.
	EventBlocked EventType = "blocked"

	// EventUnblocked indicates a task's last incomplete prerequisite
	// cleared.
	EventUnblocked EventType = "unblocked"

	// EventCancelled indicates a task was cancelled.
	EventCancelled EventType = "cancelled"

	// EventUpdated indicates fields other than status changed.
	EventUpdated EventType = "updated"

	// EventDeleted indicates a task was removed.
	EventDeleted EventType = "deleted"
)

// Notification is one entry in the append-only event log.
type Notification struct {
	// ID increases monotonically and doubles as the poll cursor.
	ID int64 `json:"id"`

	TaskID string    `json:"task_id"`
	Type   EventType `json:"type"`

	Message string `json:"message"`

	// Recipient is the agent the event is addressed to. Empty means
	// every watcher.
	Recipient string `json:"recipient,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Read is stored for external consumers; the store never sets it.
	Read bool `json:"read"`
}

// PollOption is a functional option for Poll.
type PollOption func(*pollOptions)

type pollOptions struct {
	limit     int
	recipient string
}

// WithPollLimit caps the number of events returned.
func WithPollLimit(n int) PollOption {
	return func(o *pollOptions) {
		o.limit = n
	}
}

// WithRecipient restricts results to events addressed to agentID or to
// everyone.
func WithRecipient(agentID string) PollOption {
	return func(o *pollOptions) {
		o.recipient = agentID
	}
}

// Poll implements TaskStore.
//
// It returns every event with ID greater than cursor in ascending order,
// and the cursor to pass next time. Polling never changes stored state, so
// independent watchers may poll with their own cursors.
func (s *Store) Poll(ctx context.Context, cursor int64,
	opts ...PollOption) ([]Notification, int64, error) {

	var o pollOptions
	for _, opt := range opts {
		opt(&o)
	}

	query := `SELECT id, task_id, type, message, agent_id, created_at, read
		FROM notifications WHERE id > ?`
	args := []any{cursor}
	if o.recipient != "" {
		query += ` AND (agent_id IS NULL OR agent_id = ?)`
		args = append(args, o.recipient)
	}
	query += ` ORDER BY id`
	if o.limit > 0 {
		query += ` LIMIT ?`
		args = append(args, o.limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to poll notifications: %w",
			err)
	}
	defer rows.Close()

	var events []Notification
	next := cursor
	for rows.Next() {
		var (
			n         Notification
			recipient sql.NullString
			createdAt string
		)
		err := rows.Scan(&n.ID, &n.TaskID, &n.Type, &n.Message,
			&recipient, &createdAt, &n.Read)
		if err != nil {
			return nil, cursor, fmt.Errorf("failed to scan "+
				"notification: %w", err)
		}
		n.Recipient = recipient.String
		n.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, cursor, err
		}

		events = append(events, n)
		next = n.ID
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("failed to read notifications: %w",
			err)
	}

	return events, next, nil
}

// appendNotificationTx inserts one event inside the caller's transaction.
func (s *Store) appendNotificationTx(ctx context.Context, tx *sql.Tx,
	taskID string, typ EventType, recipient, message string) error {

	_, err := tx.ExecContext(ctx, `INSERT INTO notifications
		(agent_id, task_id, type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		nullString(recipient), taskID, string(typ), message,
		formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to append %s notification for %s: %w",
			typ, taskID, err)
	}

	s.log.Debug("notification", "task", taskID, "type", typ,
		"recipient", recipient)
	return nil
}

// eventMessage renders the default message for an event.
func eventMessage(typ EventType, taskID, title string) string {
	switch typ {
	case EventCreated:
		return fmt.Sprintf("Task %s created: %s", taskID, title)
	case EventStarted:
		return fmt.Sprintf("Task %s started", taskID)
	case EventCompleted:
		return fmt.Sprintf("Task %s completed", taskID)
	case EventBlocked:
		return fmt.Sprintf("Task %s blocked - waiting on dependencies",
			taskID)
	case EventUnblocked:
		return fmt.Sprintf("Task %s unblocked - dependencies completed",
			taskID)
	case EventCancelled:
		return fmt.Sprintf("Task %s cancelled", taskID)
	case EventDeleted:
		return fmt.Sprintf("Task %s deleted", taskID)
	}
	return fmt.Sprintf("Task %s updated", taskID)
}
