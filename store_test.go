package taskorch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testConfig returns a config rooted in a fresh temp directory with short
// lock timings.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "tasks.db")
	cfg.Lock.Timeout = 5 * time.Second
	cfg.Lock.RetryBase = 5 * time.Millisecond
	cfg.Lock.RetryMax = 50 * time.Millisecond
	return cfg
}

func quietLogger() Option {
	return WithLogger(NewLogger(io.Discard, "error"))
}

// newTestStore opens a store at cfg, closing it when the test ends.
func newTestStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()

	opts = append([]Option{quietLogger()}, opts...)
	store, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreate(t *testing.T, s *Store, title string, deps ...string) string {
	t.Helper()

	id, err := s.Create(context.Background(), CreateInput{
		Title: title, DependsOn: deps,
	})
	require.NoError(t, err)
	return id
}

func mustStatus(t *testing.T, s *Store, id string) TaskStatus {
	t.Helper()

	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// testingT is the part of testing.TB that rapid.T also provides.
type testingT interface {
	require.TestingT
	Helper()
}

// requireBlockedInvariant checks that every pending or blocked task is
// blocked exactly when one of its prerequisites is incomplete.
func requireBlockedInvariant(t testingT, s *Store) {
	t.Helper()

	tasks, err := s.List(context.Background(), ListFilter{})
	require.NoError(t, err)

	status := make(map[string]TaskStatus, len(tasks))
	for _, task := range tasks {
		status[task.ID] = task.Status
	}
	for _, task := range tasks {
		if task.Status != StatusPending && task.Status != StatusBlocked {
			continue
		}
		incomplete := false
		for _, p := range task.DependsOn {
			if status[p] != StatusCompleted {
				incomplete = true
			}
		}
		require.Equalf(t, incomplete, task.Status == StatusBlocked,
			"task %s is %s with prerequisites %v", task.ID,
			task.Status, task.DependsOn)
	}
}

func pollTypes(t *testing.T, s *Store, cursor int64,
	taskID string) []EventType {

	t.Helper()

	events, _, err := s.Poll(context.Background(), cursor)
	require.NoError(t, err)

	var types []EventType
	for _, ev := range events {
		if ev.TaskID == taskID {
			types = append(types, ev.Type)
		}
	}
	return types
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	t.Run("defaults", func(t *testing.T) {
		id, err := store.Create(ctx, CreateInput{
			Title:       "  Write parser  ",
			Description: "Lexer and grammar",
			CreatedBy:   "agent-1",
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if len(id) != 8 {
			t.Errorf("Create() id = %q, want 8 hex characters", id)
		}

		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Title != "Write parser" {
			t.Errorf("Title = %q, want trimmed title", got.Title)
		}
		if got.Status != StatusPending {
			t.Errorf("Status = %v, want pending", got.Status)
		}
		if got.Priority != PriorityMedium {
			t.Errorf("Priority = %v, want medium", got.Priority)
		}
		if got.CreatedBy != "agent-1" {
			t.Errorf("CreatedBy = %q, want agent-1", got.CreatedBy)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("timestamps not set")
		}
	})

	t.Run("optional fields", func(t *testing.T) {
		deadline := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
		hours := 2.5
		id, err := store.Create(ctx, CreateInput{
			Title:          "Ship release",
			Priority:       PriorityCritical,
			Assignee:       "agent-2",
			Deadline:       &deadline,
			EstimatedHours: &hours,
			Criteria: []Criterion{
				{Criterion: "tests pass", Measurable: "true"},
			},
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, PriorityCritical, got.Priority)
		require.Equal(t, "agent-2", got.Assignee)
		require.NotNil(t, got.Deadline)
		require.True(t, got.Deadline.Equal(deadline))
		require.NotNil(t, got.EstimatedHours)
		require.InDelta(t, 2.5, *got.EstimatedHours, 1e-9)
		require.Equal(t, []Criterion{
			{Criterion: "tests pass", Measurable: "true"},
		}, got.Criteria)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name string
			in   CreateInput
		}{
			{"empty title", CreateInput{Title: "   "}},
			{"bad priority", CreateInput{Title: "x", Priority: "urgent"}},
			{"empty dependency", CreateInput{
				Title: "x", DependsOn: []string{""},
			}},
			{"negative estimate", CreateInput{
				Title: "x", EstimatedHours: ptr(-1.0),
			}},
			{"empty criterion", CreateInput{
				Title: "x", Criteria: []Criterion{{}},
			}},
		}
		for _, tc := range cases {
			_, err := store.Create(ctx, tc.in)
			var valErr *ErrValidation
			if !errors.As(err, &valErr) {
				t.Errorf("%s: Create() error = %v, want "+
					"ErrValidation", tc.name, err)
			}
		}
	})

	t.Run("get not found", func(t *testing.T) {
		_, err := store.Get(ctx, "nonexistent")
		var notFound *ErrTaskNotFound
		if !errors.As(err, &notFound) {
			t.Errorf("Get() error = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("unknown prerequisite", func(t *testing.T) {
		_, err := store.Create(ctx, CreateInput{
			Title: "orphan", DependsOn: []string{"deadbeef"},
		})
		var notFound *ErrTaskNotFound
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, "deadbeef", notFound.TaskID)
	})
}

func TestStoreDependencyLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	a := mustCreate(t, store, "A")
	b := mustCreate(t, store, "B", a)
	c := mustCreate(t, store, "C", a, b)
	requireBlockedInvariant(t, store)

	require.Equal(t, StatusPending, mustStatus(t, store, a))
	require.Equal(t, StatusBlocked, mustStatus(t, store, b))
	require.Equal(t, StatusBlocked, mustStatus(t, store, c))

	blocked, err := store.IsBlocked(ctx, b)
	require.NoError(t, err)
	require.True(t, blocked)

	// Blocked tasks cannot be started.
	err = store.Start(ctx, b, "agent-1")
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, StatusBlocked, invalid.From)

	_, cursor, err := store.Poll(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, store.Start(ctx, a, "agent-1"))
	require.NoError(t, store.Complete(ctx, a, CompleteOptions{}))
	requireBlockedInvariant(t, store)

	// B loses its only prerequisite, C still waits on B.
	require.Equal(t, StatusPending, mustStatus(t, store, b))
	require.Equal(t, StatusBlocked, mustStatus(t, store, c))

	events, _, err := store.Poll(ctx, cursor)
	require.NoError(t, err)

	var unblocked []Notification
	for _, ev := range events {
		if ev.Type == EventUnblocked {
			unblocked = append(unblocked, ev)
		}
	}
	require.Len(t, unblocked, 1)
	require.Equal(t, b, unblocked[0].TaskID)
	require.Equal(t, "Task "+b+" unblocked - dependencies completed",
		unblocked[0].Message)

	require.NoError(t, store.Start(ctx, b, ""))
	require.NoError(t, store.Complete(ctx, b, CompleteOptions{}))
	require.Equal(t, StatusPending, mustStatus(t, store, c))
	require.Equal(t, []EventType{EventCreated, EventUnblocked},
		pollTypes(t, store, 0, c))
	requireBlockedInvariant(t, store)
}

func TestStoreCircularDependency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	a := mustCreate(t, store, "A")
	b := mustCreate(t, store, "B", a)
	c := mustCreate(t, store, "C", b)

	before, err := store.Edges(ctx)
	require.NoError(t, err)

	err = store.AddDependency(ctx, a, c)
	var cycle *ErrCircularDependency
	require.ErrorAs(t, err, &cycle)
	require.Equal(t, []string{a, c, b, a}, cycle.Path)

	after, err := store.Edges(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, StatusPending, mustStatus(t, store, a))

	err = store.AddDependency(ctx, a, a)
	var valErr *ErrValidation
	require.ErrorAs(t, err, &valErr)
}

func TestStoreAddRemoveDependency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	a := mustCreate(t, store, "A")
	b := mustCreate(t, store, "B")

	require.NoError(t, store.AddDependency(ctx, b, a))
	require.Equal(t, StatusBlocked, mustStatus(t, store, b))
	requireBlockedInvariant(t, store)

	// Adding the same edge again changes nothing.
	_, cursor, err := store.Poll(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddDependency(ctx, b, a))
	events, _, err := store.Poll(ctx, cursor)
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, store.RemoveDependency(ctx, b, a))
	require.Equal(t, StatusPending, mustStatus(t, store, b))
	requireBlockedInvariant(t, store)
	require.Equal(t, []EventType{EventCreated, EventBlocked, EventUnblocked},
		pollTypes(t, store, 0, b))

	err = store.RemoveDependency(ctx, b, a)
	var valErr *ErrValidation
	require.ErrorAs(t, err, &valErr)

	t.Run("only open tasks gain prerequisites", func(t *testing.T) {
		require.NoError(t, store.Start(ctx, b, "agent-1"))
		err := store.AddDependency(ctx, b, a)
		var valErr *ErrValidation
		require.ErrorAs(t, err, &valErr)
	})

	t.Run("completed prerequisite does not block", func(t *testing.T) {
		done := mustCreate(t, store, "done")
		require.NoError(t, store.Start(ctx, done, ""))
		require.NoError(t, store.Complete(ctx, done, CompleteOptions{}))

		d := mustCreate(t, store, "D")
		require.NoError(t, store.AddDependency(ctx, d, done))
		require.Equal(t, StatusPending, mustStatus(t, store, d))

		e := mustCreate(t, store, "E", done)
		require.Equal(t, StatusPending, mustStatus(t, store, e))
		requireBlockedInvariant(t, store)
	})
}

func TestStoreTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	t.Run("complete requires in progress", func(t *testing.T) {
		id := mustCreate(t, store, "pending")
		err := store.Complete(ctx, id, CompleteOptions{})
		var invalid *ErrInvalidTransition
		require.ErrorAs(t, err, &invalid)
		require.Equal(t, StatusPending, invalid.From)
		require.Equal(t, StatusCompleted, invalid.To)
	})

	t.Run("update cannot set derived or completed", func(t *testing.T) {
		id := mustCreate(t, store, "x")
		for _, status := range []TaskStatus{StatusBlocked, StatusCompleted} {
			err := store.Update(ctx, id, UpdateInput{Status: status})
			var invalid *ErrInvalidTransition
			require.ErrorAsf(t, err, &invalid, "status %s", status)
		}
	})

	t.Run("terminal tasks stay terminal", func(t *testing.T) {
		id := mustCreate(t, store, "x")
		require.NoError(t, store.Cancel(ctx, id))

		err := store.Start(ctx, id, "")
		var invalid *ErrInvalidTransition
		require.ErrorAs(t, err, &invalid)
		require.ErrorAs(t, store.Cancel(ctx, id), &invalid)
	})

	t.Run("blocked tasks cannot be cancelled", func(t *testing.T) {
		a := mustCreate(t, store, "A")
		b := mustCreate(t, store, "B", a)
		err := store.Cancel(ctx, b)
		var invalid *ErrInvalidTransition
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("cancelled prerequisite keeps dependents blocked", func(t *testing.T) {
		a := mustCreate(t, store, "A")
		b := mustCreate(t, store, "B", a)
		require.NoError(t, store.Cancel(ctx, a))
		require.Equal(t, StatusBlocked, mustStatus(t, store, b))
		requireBlockedInvariant(t, store)
	})

	t.Run("start records assignee", func(t *testing.T) {
		id := mustCreate(t, store, "x")
		require.NoError(t, store.Start(ctx, id, "agent-7"))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusInProgress, got.Status)
		require.Equal(t, "agent-7", got.Assignee)
		require.Equal(t, []EventType{EventCreated, EventStarted},
			pollTypes(t, store, 0, id))
	})

	t.Run("start refuses another agent's task", func(t *testing.T) {
		id, err := store.Create(ctx, CreateInput{
			Title: "x", Assignee: "agent-2",
		})
		require.NoError(t, err)

		err = store.Start(ctx, id, "agent-1")
		var validation *ErrValidation
		require.ErrorAs(t, err, &validation)
		require.Equal(t, "assignee", validation.Field)
		require.Equal(t, StatusPending, mustStatus(t, store, id))

		// Without an assignee, or with the same one, the task starts.
		require.NoError(t, store.Start(ctx, id, "agent-2"))
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "agent-2", got.Assignee)

		other, err := store.Create(ctx, CreateInput{
			Title: "y", Assignee: "agent-2",
		})
		require.NoError(t, err)
		require.NoError(t, store.Start(ctx, other, ""))
	})

	t.Run("complete records details", func(t *testing.T) {
		id := mustCreate(t, store, "x")
		require.NoError(t, store.Start(ctx, id, "agent-1"))
		require.NoError(t, store.Complete(ctx, id, CompleteOptions{
			Summary:     "merged",
			ActualHours: ptr(3.0),
			Feedback:    &Feedback{Quality: ptr(5), Notes: "clean"},
		}))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		require.Equal(t, "merged", got.CompletionSummary)
		require.InDelta(t, 3.0, *got.ActualHours, 1e-9)
		require.Equal(t, 5, *got.Feedback.Quality)
		require.Nil(t, got.Feedback.Timeliness)
		require.Equal(t, "clean", got.Feedback.Notes)
	})
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	id := mustCreate(t, store, "Original")

	err := store.Update(ctx, id, UpdateInput{
		Title:    ptr("Renamed"),
		Priority: ptr(PriorityHigh),
		Assignee: ptr("agent-3"),
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, PriorityHigh, got.Priority)
	require.Equal(t, "agent-3", got.Assignee)
	require.Equal(t, StatusPending, got.Status)
	require.False(t, got.UpdatedAt.Before(got.CreatedAt))

	// Feedback is last write wins.
	require.NoError(t, store.Update(ctx, id, UpdateInput{
		Feedback: &Feedback{Quality: ptr(2)},
	}))
	require.NoError(t, store.Update(ctx, id, UpdateInput{
		Feedback: &Feedback{Timeliness: ptr(4)},
	}))
	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got.Feedback.Quality)
	require.Equal(t, 4, *got.Feedback.Timeliness)

	cases := []struct {
		name string
		in   UpdateInput
	}{
		{"empty", UpdateInput{}},
		{"blank title", UpdateInput{Title: ptr(" ")}},
		{"unknown status", UpdateInput{Status: "done"}},
		{"quality too high", UpdateInput{
			Feedback: &Feedback{Quality: ptr(6)},
		}},
		{"timeliness too low", UpdateInput{
			Feedback: &Feedback{Timeliness: ptr(0)},
		}},
		{"negative actual", UpdateInput{ActualHours: ptr(-2.0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Update(ctx, id, tc.in)
			var valErr *ErrValidation
			require.ErrorAs(t, err, &valErr)
		})
	}

	err = store.Update(ctx, "missing1", UpdateInput{Title: ptr("x")})
	var notFound *ErrTaskNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	a := mustCreate(t, store, "A")
	b := mustCreate(t, store, "B", a)

	err := store.Delete(ctx, a)
	var exists *ErrDependencyExists
	require.ErrorAs(t, err, &exists)
	require.Equal(t, []string{b}, exists.Dependents)

	// Deleting the dependent removes its outgoing edge too.
	require.NoError(t, store.Delete(ctx, b))
	edges, err := store.Edges(ctx)
	require.NoError(t, err)
	require.Empty(t, edges)

	require.NoError(t, store.Delete(ctx, a))

	var notFound *ErrTaskNotFound
	_, err = store.Get(ctx, a)
	require.ErrorAs(t, err, &notFound)
	require.ErrorAs(t, store.Delete(ctx, a), &notFound)

	require.Equal(t, []EventType{EventCreated, EventDeleted},
		pollTypes(t, store, 0, a))
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	a := mustCreate(t, store, "A")
	b := mustCreate(t, store, "B", a)
	c := mustCreate(t, store, "C")
	require.NoError(t, store.Start(ctx, c, "agent-1"))

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, a, all[0].ID)
	require.Equal(t, []string{a}, all[1].DependsOn)

	blocked, err := store.List(ctx, ListFilter{Status: StatusBlocked})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	require.Equal(t, b, blocked[0].ID)

	mine, err := store.List(ctx, ListFilter{Assignee: "agent-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, c, mine[0].ID)

	limited, err := store.List(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	t.Run("has deps", func(t *testing.T) {
		withDeps, err := store.List(ctx, ListFilter{HasDeps: true})
		require.NoError(t, err)
		require.Len(t, withDeps, 1)
		require.Equal(t, b, withDeps[0].ID)

		// Combines with the other filters.
		none, err := store.List(ctx, ListFilter{
			HasDeps: true, Status: StatusPending,
		})
		require.NoError(t, err)
		require.Empty(t, none)
	})

	empty, err := store.List(ctx, ListFilter{Status: StatusCancelled})
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

func TestStorePoll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	a, err := store.Create(ctx, CreateInput{Title: "A", Assignee: "agent-1"})
	require.NoError(t, err)
	b := mustCreate(t, store, "B")

	first, next, err := store.Poll(ctx, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, first[1].ID, next)
	require.Less(t, first[0].ID, first[1].ID)

	// Polling does not consume anything.
	again, againNext, err := store.Poll(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, next, againNext)

	rest, restNext, err := store.Poll(ctx, next)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, next, restNext)

	limited, limitedNext, err := store.Poll(ctx, 0, WithPollLimit(1))
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, limited[0].ID, limitedNext)

	for _, ev := range first {
		require.False(t, ev.Read)
	}

	t.Run("recipient filter", func(t *testing.T) {
		require.NoError(t, store.Start(ctx, b, "agent-2"))

		events, _, err := store.Poll(ctx, 0, WithRecipient("agent-1"))
		require.NoError(t, err)
		for _, ev := range events {
			require.NotEqual(t, "agent-2", ev.Recipient)
		}

		var sawA bool
		for _, ev := range events {
			if ev.TaskID == a {
				sawA = true
				require.Equal(t, "agent-1", ev.Recipient)
			}
		}
		require.True(t, sawA)
	})
}

func TestStoreFeatureToggles(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.MinimalMode = true
	store := newTestStore(t, cfg)

	deadline := time.Now().Add(time.Hour)
	cases := []struct {
		name string
		in   CreateInput
	}{
		{"deadline", CreateInput{Title: "x", Deadline: &deadline}},
		{"estimate", CreateInput{Title: "x", EstimatedHours: ptr(1.0)}},
		{"criteria", CreateInput{
			Title: "x", Criteria: []Criterion{{Criterion: "works"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Create(ctx, tc.in)
			var valErr *ErrValidation
			require.ErrorAs(t, err, &valErr)
			require.Contains(t, valErr.Reason, "disabled")
		})
	}

	id := mustCreate(t, store, "plain")
	require.NoError(t, store.Start(ctx, id, ""))

	err := store.Complete(ctx, id, CompleteOptions{Summary: "done"})
	var valErr *ErrValidation
	require.ErrorAs(t, err, &valErr)

	err = store.Complete(ctx, id, CompleteOptions{
		Feedback: &Feedback{Quality: ptr(3)},
	})
	require.ErrorAs(t, err, &valErr)

	require.NoError(t, store.Complete(ctx, id, CompleteOptions{}))
}

func TestStoreCriteriaValidator(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t),
		WithCriteriaValidator(func(c []Criterion) error {
			for _, crit := range c {
				if crit.Measurable == "" {
					return errors.New("criteria must be measurable")
				}
			}
			return nil
		}),
	)

	_, err := store.Create(ctx, CreateInput{
		Title: "x", Criteria: []Criterion{{Criterion: "fast"}},
	})
	var valErr *ErrValidation
	require.ErrorAs(t, err, &valErr)
	require.Contains(t, valErr.Reason, "measurable")

	_, err = store.Create(ctx, CreateInput{
		Title:    "x",
		Criteria: []Criterion{{Criterion: "fast", Measurable: "p99 < 10ms"}},
	})
	require.NoError(t, err)
}

func TestStoreParticipants(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	id := mustCreate(t, store, "shared")
	require.NoError(t, store.Join(ctx, id, "agent-1"))
	require.NoError(t, store.Join(ctx, id, "agent-2"))
	require.NoError(t, store.Join(ctx, id, "agent-1"))

	agents, err := store.Participants(ctx, id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"agent-1", "agent-2"}, agents)

	// Only the first join of each agent is recorded.
	require.Equal(t, []EventType{EventCreated, EventUpdated, EventUpdated},
		pollTypes(t, store, 0, id))

	var notFound *ErrTaskNotFound
	require.ErrorAs(t, store.Join(ctx, "missing1", "agent-1"), &notFound)

	var valErr *ErrValidation
	require.ErrorAs(t, store.Join(ctx, id, ""), &valErr)

	require.NoError(t, store.Delete(ctx, id))
}

func TestStoreOrderAndCriticalPath(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, testConfig(t))

	create := func(title string, hours float64, deps ...string) string {
		id, err := store.Create(ctx, CreateInput{
			Title: title, EstimatedHours: &hours, DependsOn: deps,
		})
		require.NoError(t, err)
		return id
	}

	design := create("design", 2)
	backend := create("backend", 8, design)
	frontend := create("frontend", 3, design)
	release := create("release", 1, backend, frontend)

	order, err := store.Order(ctx)
	require.NoError(t, err)
	require.Len(t, order, 4)
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	edges, err := store.Edges(ctx)
	require.NoError(t, err)
	for _, e := range edges {
		require.Less(t, pos[e.Prerequisite], pos[e.Task])
	}

	path, total, err := store.CriticalPath(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{design, backend, release}, path)
	require.InDelta(t, 11.0, total, 1e-9)

	// Finished work drops out of the path.
	require.NoError(t, store.Start(ctx, design, ""))
	require.NoError(t, store.Complete(ctx, design, CompleteOptions{}))

	path, total, err = store.CriticalPath(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{backend, release}, path)
	require.InDelta(t, 9.0, total, 1e-9)
}

func TestStoreLockTimeout(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Lock.Timeout = 100 * time.Millisecond
	cfg.Lock.RetryBase = 10 * time.Millisecond
	cfg.Lock.RetryMax = 20 * time.Millisecond

	locker := &toggleLocker{}
	store := newTestStore(t, cfg, WithLocker(locker))

	locker.setHeld(true)
	_, err := store.Create(ctx, CreateInput{Title: "x"})
	var timeout *ErrLockTimeout
	require.ErrorAs(t, err, &timeout)
	require.True(t, IsRetryable(err))
	require.Greater(t, timeout.Attempts, 0)

	// Nothing was written.
	tasks, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)

	locker.setHeld(false)
	mustCreate(t, store, "x")

	t.Run("cancelled context", func(t *testing.T) {
		locker.setHeld(true)
		defer locker.setHeld(false)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Create(cctx, CreateInput{Title: "y"})
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, IsRetryable(err))
	})
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	store, err := Open(ctx, cfg, quietLogger())
	require.NoError(t, err)
	id := mustCreate(t, store, "durable")
	require.NoError(t, store.Close())

	store = newTestStore(t, cfg)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "durable", got.Title)
	require.True(t, strings.HasSuffix(store.Path(), "tasks.db"))
}

// requireStoreError fails unless err is nil or one of the typed errors a
// caller is expected to handle.
func requireStoreError(t testingT, op string, err error) {
	t.Helper()

	if err == nil {
		return
	}
	var (
		validation *ErrValidation
		notFound   *ErrTaskNotFound
		cycle      *ErrCircularDependency
		exists     *ErrDependencyExists
		transition *ErrInvalidTransition
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &notFound),
		errors.As(err, &cycle), errors.As(err, &exists),
		errors.As(err, &transition):
	default:
		require.NoErrorf(t, err, "unexpected %T from %s", err, op)
	}
}

// TestStoreInvariantRapid drives a store through random operations and
// checks after each one that blocked status matches the prerequisites.
func TestStoreInvariantRapid(t *testing.T) {
	ops := []string{
		"create", "add", "remove", "start", "complete", "cancel",
		"delete",
	}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()

		store, err := Open(ctx, testConfig(t), quietLogger())
		require.NoError(rt, err)
		defer store.Close()

		var ids []string
		pick := func(label string) string {
			return rapid.SampledFrom(ids).Draw(rt, label)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for range steps {
			op := "create"
			if len(ids) > 0 {
				op = rapid.SampledFrom(ops).Draw(rt, "op")
			}

			var err error
			switch op {
			case "create":
				var deps []string
				if len(ids) > 0 {
					deps = rapid.SliceOfNDistinct(
						rapid.SampledFrom(ids), 0, 3,
						rapid.ID[string],
					).Draw(rt, "deps")
				}

				var id string
				id, err = store.Create(ctx, CreateInput{
					Title: "task", DependsOn: deps,
				})
				if err == nil {
					ids = append(ids, id)
				}

			case "add":
				err = store.AddDependency(ctx, pick("task"),
					pick("prerequisite"))

			case "remove":
				err = store.RemoveDependency(ctx, pick("task"),
					pick("prerequisite"))

			case "start":
				err = store.Start(ctx, pick("task"), "")

			case "complete":
				err = store.Complete(ctx, pick("task"),
					CompleteOptions{})

			case "cancel":
				err = store.Cancel(ctx, pick("task"))

			case "delete":
				id := pick("task")
				err = store.Delete(ctx, id)
				if err == nil {
					ids = slices.DeleteFunc(ids, func(s string) bool {
						return s == id
					})
				}
			}

			requireStoreError(rt, op, err)
			requireBlockedInvariant(rt, store)
		}
	})
}

func ptr[T any](v T) *T {
	return &v
}
