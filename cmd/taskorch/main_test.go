package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roasbeef/taskorch"
	"github.com/stretchr/testify/require"
)

// runCLI executes one command against the database in dir and returns its
// stdout.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd(&app{})
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--db", filepath.Join(dir, "tasks.db"),
		"--log-level", "error",
	}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRunJSON(t *testing.T, dir string, v any, args ...string) {
	t.Helper()

	out, err := runCLI(t, dir, append(args, "--json")...)
	require.NoError(t, err, "taskorch %s", strings.Join(args, " "))
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestCLIWorkflow(t *testing.T) {
	t.Setenv(taskorch.EnvDBPath, "")
	t.Setenv(taskorch.EnvAgentID, "")
	t.Setenv(taskorch.EnvLogLevel, "")
	dir := t.TempDir()

	var first, second struct{ ID string }
	mustRunJSON(t, dir, &first, "add", "Design", "schema", "-p", "high")
	mustRunJSON(t, dir, &second, "add", "Write migrations",
		"--depends-on", first.ID, "--estimate", "3")

	var task taskorch.Task
	mustRunJSON(t, dir, &task, "show", second.ID)
	require.Equal(t, taskorch.StatusBlocked, task.Status)
	require.Equal(t, []string{first.ID}, task.DependsOn)

	mustRunJSON(t, dir, &task, "show", first.ID)
	require.Equal(t, "Design schema", task.Title)
	require.Equal(t, taskorch.PriorityHigh, task.Priority)

	// Deleting a prerequisite is refused.
	_, err := runCLI(t, dir, "delete", first.ID)
	var exists *taskorch.ErrDependencyExists
	require.ErrorAs(t, err, &exists)

	_, err = runCLI(t, dir, "start", first.ID, "--agent", "alice")
	require.NoError(t, err)
	_, err = runCLI(t, dir, "complete", first.ID, "--summary", "done",
		"--quality", "5")
	require.NoError(t, err)

	mustRunJSON(t, dir, &task, "show", first.ID)
	require.Equal(t, taskorch.StatusCompleted, task.Status)
	require.Equal(t, "alice", task.Assignee)
	require.Equal(t, "done", task.CompletionSummary)
	require.NotNil(t, task.Feedback)
	require.Equal(t, 5, *task.Feedback.Quality)

	mustRunJSON(t, dir, &task, "show", second.ID)
	require.Equal(t, taskorch.StatusPending, task.Status)

	var tasks []taskorch.Task
	mustRunJSON(t, dir, &tasks, "list", "--status", "pending")
	require.Len(t, tasks, 1)
	require.Equal(t, second.ID, tasks[0].ID)

	var graph graphView
	mustRunJSON(t, dir, &graph, "graph")
	require.Equal(t, []string{first.ID, second.ID}, graph.Order)
	require.Equal(t, []string{second.ID}, graph.CriticalPath)
	require.InDelta(t, 3.0, graph.PathHours, 1e-9)

	mustRunJSON(t, dir, &tasks, "list", "--has-deps")
	require.Len(t, tasks, 1)
	require.Equal(t, second.ID, tasks[0].ID)

	var status taskorch.MigrationStatus
	mustRunJSON(t, dir, &status, "migrate", "status")
	require.Equal(t, status.Latest, status.Current)
	require.Empty(t, status.Pending)

	// A dry run after a rollback plans the same step apply then runs.
	_, err = runCLI(t, dir, "migrate", "rollback")
	require.NoError(t, err)
	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	var plan []plannedMigration
	mustRunJSON(t, dir, &plan, "migrate", "apply", "--dry-run")
	require.Len(t, plan, 1)
	require.Equal(t, status.Latest, plan[0].Version)
	require.NotEmpty(t, plan[0].Up)

	mustRunJSON(t, dir, &status, "migrate", "status")
	require.Equal(t, status.Latest-1, status.Current)
	after, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, after, len(backups), "dry run must not back up")

	var applied []int
	mustRunJSON(t, dir, &applied, "migrate", "apply")
	require.Equal(t, []int{status.Latest}, applied)
}

func TestCLIErrors(t *testing.T) {
	t.Setenv(taskorch.EnvDBPath, "")
	t.Setenv(taskorch.EnvAgentID, "")
	t.Setenv(taskorch.EnvLogLevel, "")
	dir := t.TempDir()

	var created struct{ ID string }
	mustRunJSON(t, dir, &created, "add", "Task")

	tests := []struct {
		name    string
		args    []string
		wantErr any
	}{
		{
			name:    "unknown task",
			args:    []string{"show", "deadbeef"},
			wantErr: new(*taskorch.ErrTaskNotFound),
		},
		{
			name:    "empty title",
			args:    []string{"update", created.ID, "--title", " "},
			wantErr: new(*taskorch.ErrValidation),
		},
		{
			name:    "bad deadline",
			args:    []string{"add", "Later", "--deadline", "tomorrow"},
			wantErr: new(*taskorch.ErrValidation),
		},
		{
			name:    "complete before start",
			args:    []string{"complete", created.ID},
			wantErr: new(*taskorch.ErrInvalidTransition),
		},
		{
			name:    "self dependency",
			args:    []string{"depend", "add", created.ID, created.ID},
			wantErr: new(*taskorch.ErrValidation),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, dir, tt.args...)
			require.Error(t, err)
			require.True(t, errors.As(err, tt.wantErr),
				"got %T: %v", err, err)
		})
	}

	_, err := runCLI(t, dir, "list", "--mine")
	require.ErrorIs(t, err, errNoAgent)
}

func TestUpdateFromFlags(t *testing.T) {
	cmd := (&app{}).updateCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--title", "New", "-p", "critical", "--estimate", "2",
		"--deadline", "2031-01-02", "--notes", "late",
	}))

	in, err := updateFromFlags(cmd.Flags())
	require.NoError(t, err)

	require.Equal(t, "New", *in.Title)
	require.Equal(t, taskorch.PriorityCritical, *in.Priority)
	require.InDelta(t, 2.0, *in.EstimatedHours, 1e-9)
	require.Equal(t, 2031, in.Deadline.Year())
	require.Nil(t, in.Description, "unset flags stay nil")
	require.Nil(t, in.ActualHours)
	require.NotNil(t, in.Feedback)
	require.Nil(t, in.Feedback.Quality)
	require.Equal(t, "late", in.Feedback.Notes)
}
