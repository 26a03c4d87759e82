package taskorch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// errNoParticipants is returned when the schema predates the participants
// table.
var errNoParticipants = errors.New("participants require schema version 4")

// Join implements TaskStoreWithParticipants.
func (s *Store) Join(ctx context.Context, taskID, agentID string) error {
	if agentID == "" {
		return &ErrValidation{Field: "agent_id", Reason: "must not be empty"}
	}

	var joined bool
	err := s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		joined = false
		if !s.participants.Load() {
			return errNoParticipants
		}

		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO participants
			(task_id, agent_id, joined_at) VALUES (?, ?, ?)`,
			taskID, agentID, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("failed to join task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		joined = true

		return s.appendNotificationTx(ctx, tx, taskID, EventUpdated,
			task.Assignee, fmt.Sprintf("Agent %s joined task %s",
				agentID, taskID))
	})
	if err != nil {
		return err
	}

	if joined {
		s.log.Info("agent joined task", "task", taskID, "agent", agentID)
	}
	return nil
}

// Participants implements TaskStoreWithParticipants.
func (s *Store) Participants(ctx context.Context, taskID string) ([]string, error) {
	if err := s.requireSchema(ctx, s.db); err != nil {
		return nil, err
	}
	if !s.participants.Load() {
		return nil, errNoParticipants
	}
	if _, err := getTask(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	return queryStrings(ctx, s.db, `SELECT agent_id FROM participants
		WHERE task_id = ? ORDER BY joined_at, agent_id`, taskID)
}
