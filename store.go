package taskorch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const sqliteDriver = "sqlite3"

// taskColumns is the column list scanned by scanTask.
const taskColumns = `id, title, description, status, priority, assignee,
	created_by, created_at, updated_at, completed_at, deadline,
	estimated_hours, actual_hours, success_criteria, feedback_quality,
	feedback_timeliness, feedback_notes, completion_summary`

// Store is the SQLite-backed TaskStore.
//
// One Store is opened per process and shared by its goroutines. Several
// processes may open the same database; mutating calls are serialized
// through the Controller, while reads go straight to the latest committed
// snapshot.
type Store struct {
	db         *sql.DB
	path       string
	log        *log.Logger
	clock      func() time.Time
	controller *Controller
	migrations *MigrationManager
	features   Features

	validateCriteria func([]Criterion) error

	// participants is set when the schema includes the participants
	// table. It is refreshed whenever this store's migration manager
	// changes the schema.
	participants atomic.Bool

	// pinned is set by Open: every mutation first checks that the schema
	// is still at the version the store was opened against.
	pinned bool
}

// Open opens (creating if needed) the store described by cfg.
//
// The database is integrity-checked and, when cfg.Database.AutoMigrate is
// set, migrated to the newest schema before Open returns. A store whose
// schema is not at the newest known version is refused with ErrMigration.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s, err := open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.checkSchema(ctx, cfg.Database.AutoMigrate); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	s.pinned = true

	return s, nil
}

// OpenForMigration opens the store without migrating or checking the schema
// version. Only Migrations and Close may be used on the result; it exists
// so an outdated or rolled-back database can still be inspected and moved.
func OpenForMigration(ctx context.Context, cfg Config,
	opts ...Option) (*Store, error) {

	return open(ctx, cfg, opts...)
}

func open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := NewOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = defaultLogger()
	}

	dbPath := cfg.Database.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:               db,
		path:             dbPath,
		log:              o.Logger,
		clock:            o.Clock,
		features:         cfg.EnabledFeatures(),
		validateCriteria: o.CriteriaValidator,
	}

	locker := o.Locker
	if locker == nil {
		locker, err = NewFileLocker(FileLockerConfig{
			Path:       cfg.LockPath(),
			StaleAfter: cfg.Lock.StaleAfter,
			IsAlive:    o.ProcessAlive,
			Now:        o.Clock,
			Logger:     o.Logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.controller = NewController(locker, ControllerConfig{
		Timeout:   cfg.Lock.Timeout,
		RetryBase: cfg.Lock.RetryBase,
		RetryMax:  cfg.Lock.RetryMax,
	}, o.Logger)

	migrations := o.Migrations
	if migrations == nil {
		migrations, err = BuiltinMigrations()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.migrations = NewMigrationManager(MigrationConfig{
		DB:         db,
		BackupDir:  cfg.BackupDir(),
		Controller: s.controller,
		Migrations: migrations,
		Logger:     o.Logger,
		Clock:      o.Clock,
		OnChange:   s.refreshParticipants,
	})

	return s, nil
}

// openDB opens the database with WAL journaling and verifies its integrity.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on"+
		"&_txlock=immediate", path)
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	fail := func(err error) (*sql.DB, error) {
		_ = db.Close()
		if isCorruption(err) {
			return nil, &ErrStorageCorruption{Path: path, Cause: err}
		}
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fail(fmt.Errorf("failed to apply %q: %w", p, err))
		}
	}

	var result string
	err = db.QueryRowContext(ctx, "PRAGMA quick_check;").Scan(&result)
	if err != nil {
		return fail(fmt.Errorf("integrity check failed: %w", err))
	}
	if result != "ok" {
		_ = db.Close()
		return nil, &ErrStorageCorruption{Path: path, Detail: result}
	}

	return db, nil
}

// checkSchema migrates if allowed and refuses to run on an outdated or
// newer schema.
func (s *Store) checkSchema(ctx context.Context, autoMigrate bool) error {
	if autoMigrate {
		if _, err := s.migrations.Apply(ctx); err != nil {
			return err
		}
	}

	version, err := s.migrations.Version(ctx)
	if err != nil {
		return err
	}
	if version != s.migrations.Latest() {
		return &ErrMigration{
			Version: version, Op: "open",
			Cause: fmt.Errorf("schema is at version %d, need %d; run "+
				"migrate apply", version, s.migrations.Latest()),
		}
	}

	return s.refreshParticipants(ctx)
}

// refreshParticipants records whether the participants table exists.
func (s *Store) refreshParticipants(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name = 'participants'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	s.participants.Store(n > 0)
	return nil
}

// requireSchema refuses to work against a schema that was migrated or
// rolled back, by this or any other process, since the store was opened.
func (s *Store) requireSchema(ctx context.Context, q queryer) error {
	latest := s.migrations.Latest()
	if !s.pinned || latest == 0 {
		return nil
	}

	var version int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0)
		FROM schema_migrations`).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != latest {
		return &ErrMigration{
			Version: version, Op: "open",
			Cause: fmt.Errorf("schema changed to version %d while the "+
				"store was open, need %d; run migrate apply and reopen",
				version, latest),
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Migrations returns the store's migration manager.
func (s *Store) Migrations() *MigrationManager {
	return s.migrations
}

// Create implements TaskStore.
func (s *Store) Create(ctx context.Context, in CreateInput) (string, error) {
	if err := s.validateCreate(&in); err != nil {
		return "", err
	}

	var id string
	err := s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		g, statuses, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		for _, p := range in.DependsOn {
			if _, ok := statuses[p]; !ok {
				return &ErrTaskNotFound{TaskID: p}
			}
		}

		newID, err := newTaskID(ctx, tx)
		if err != nil {
			return err
		}

		g.AddNode(newID)
		for _, p := range in.DependsOn {
			if err := g.AddEdge(newID, p); err != nil {
				return err
			}
		}

		status := StatusPending
		if g.IsBlocked(newID, statusLookup(statuses)) {
			status = StatusBlocked
		}

		now := formatTime(s.now())
		criteria, err := encodeCriteria(in.Criteria)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO tasks (id, title,
			description, status, priority, assignee, created_by,
			created_at, updated_at, deadline, estimated_hours,
			success_criteria) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID, in.Title, nullString(in.Description), string(status),
			string(in.Priority), nullString(in.Assignee),
			nullString(in.CreatedBy), now, now,
			nullTime(in.Deadline), nullFloat(in.EstimatedHours), criteria)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		for _, p := range in.DependsOn {
			if err := insertEdge(ctx, tx, newID, p); err != nil {
				return err
			}
		}

		id = newID
		return s.appendNotificationTx(ctx, tx, newID, EventCreated,
			in.Assignee, eventMessage(EventCreated, newID, in.Title))
	})
	if err != nil {
		return "", err
	}

	s.log.Info("task created", "task", id, "title", in.Title)
	return id, nil
}

// Get implements TaskStore.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	return getTask(ctx, s.db, taskID)
}

// Update implements TaskStore.
func (s *Store) Update(ctx context.Context, taskID string,
	in UpdateInput) error {

	if err := s.validateUpdate(&in); err != nil {
		return err
	}

	return s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		event := EventUpdated
		if in.Status != "" {
			// Blocked is derived and completion has its own path.
			if in.Status == StatusBlocked || in.Status == StatusCompleted {
				return &ErrInvalidTransition{
					TaskID: taskID, From: task.Status, To: in.Status,
				}
			}
			err := ValidateTransition(taskID, task.Status, in.Status,
				OriginCaller)
			if err != nil {
				return err
			}
			if in.Status == StatusInProgress && in.Assignee != nil &&
				task.Assignee != "" && *in.Assignee != task.Assignee {

				reason := fmt.Sprintf("task %s is assigned to %s",
					taskID, task.Assignee)
				return &ErrValidation{Field: "assignee", Reason: reason}
			}
			task.Status = in.Status
			event = eventForStatus(in.Status)
		}

		applyUpdate(task, &in)

		if err := s.writeTask(ctx, tx, task); err != nil {
			return err
		}
		return s.appendNotificationTx(ctx, tx, taskID, event,
			task.Assignee, eventMessage(event, taskID, task.Title))
	})
}

// Start implements TaskStore. A non-empty assignee is recorded on the
// task. Starting a task that is already assigned to a different agent
// returns ErrValidation; reassign it with Update first.
func (s *Store) Start(ctx context.Context, taskID, assignee string) error {
	in := UpdateInput{Status: StatusInProgress}
	if assignee != "" {
		in.Assignee = &assignee
	}
	return s.Update(ctx, taskID, in)
}

// Cancel implements TaskStore.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	return s.Update(ctx, taskID, UpdateInput{Status: StatusCancelled})
}

// Complete implements TaskStore.
//
// The task must be in progress. Every direct dependent whose last
// incomplete prerequisite was this task moves from blocked to pending, and
// each gets its own unblocked notification.
func (s *Store) Complete(ctx context.Context, taskID string,
	opts CompleteOptions) error {

	if err := s.validateComplete(&opts); err != nil {
		return err
	}

	var unblocked []string
	err := s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		unblocked = nil

		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		err = ValidateTransition(taskID, task.Status, StatusCompleted,
			OriginCaller)
		if err != nil {
			return err
		}

		now := s.now()
		task.Status = StatusCompleted
		task.CompletedAt = &now
		if opts.Summary != "" {
			task.CompletionSummary = opts.Summary
		}
		if opts.ActualHours != nil {
			task.ActualHours = opts.ActualHours
		}
		if opts.Feedback != nil {
			task.Feedback = opts.Feedback
		}
		if err := s.writeTask(ctx, tx, task); err != nil {
			return err
		}
		err = s.appendNotificationTx(ctx, tx, taskID, EventCompleted,
			task.Assignee, eventMessage(EventCompleted, taskID, task.Title))
		if err != nil {
			return err
		}

		g, statuses, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		for _, dep := range g.OnComplete(taskID, statusLookup(statuses)) {
			if statuses[dep] != StatusBlocked {
				continue
			}
			dt, err := s.setDerivedStatus(ctx, tx, dep, StatusBlocked,
				StatusPending)
			if err != nil {
				return err
			}
			err = s.appendNotificationTx(ctx, tx, dep, EventUnblocked,
				dt.Assignee, eventMessage(EventUnblocked, dep, dt.Title))
			if err != nil {
				return err
			}
			unblocked = append(unblocked, dep)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("task completed", "task", taskID, "unblocked", unblocked)
	return nil
}

// Delete implements TaskStore.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		dependents, err := queryStrings(ctx, tx, `SELECT task_id FROM
			dependencies WHERE depends_on = ? ORDER BY task_id`, taskID)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return &ErrDependencyExists{
				TaskID: taskID, Dependents: dependents,
			}
		}

		stmts := []string{
			`DELETE FROM dependencies WHERE task_id = ?`,
			`DELETE FROM tasks WHERE id = ?`,
		}
		if s.participants.Load() {
			stmts = append([]string{
				`DELETE FROM participants WHERE task_id = ?`,
			}, stmts...)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, taskID); err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}
		}

		return s.appendNotificationTx(ctx, tx, taskID, EventDeleted,
			task.Assignee, eventMessage(EventDeleted, taskID, task.Title))
	})
}

// AddDependency implements TaskStore.
//
// Only pending or blocked tasks may gain prerequisites. A pending task
// whose new prerequisite is incomplete becomes blocked. Adding an existing
// edge is a no-op.
func (s *Store) AddDependency(ctx context.Context, taskID,
	prerequisiteID string) error {

	if taskID == prerequisiteID {
		return &ErrValidation{
			Field:  "depends_on",
			Reason: fmt.Sprintf("task %s cannot depend on itself", taskID),
		}
	}

	return s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		g, statuses, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := statuses[prerequisiteID]; !ok {
			return &ErrTaskNotFound{TaskID: prerequisiteID}
		}
		if g.HasEdge(taskID, prerequisiteID) {
			return nil
		}
		if task.Status != StatusPending && task.Status != StatusBlocked {
			return &ErrValidation{
				Field: "task_id",
				Reason: fmt.Sprintf("cannot add a prerequisite to %s "+
					"task %s", task.Status, taskID),
			}
		}

		if err := g.AddEdge(taskID, prerequisiteID); err != nil {
			return err
		}
		if err := insertEdge(ctx, tx, taskID, prerequisiteID); err != nil {
			return err
		}

		if task.Status == StatusPending &&
			g.IsBlocked(taskID, statusLookup(statuses)) {

			_, err := s.setDerivedStatus(ctx, tx, taskID, StatusPending,
				StatusBlocked)
			if err != nil {
				return err
			}
			return s.appendNotificationTx(ctx, tx, taskID, EventBlocked,
				task.Assignee, eventMessage(EventBlocked, taskID, task.Title))
		}

		if err := s.touch(ctx, tx, taskID); err != nil {
			return err
		}
		return s.appendNotificationTx(ctx, tx, taskID, EventUpdated,
			task.Assignee, fmt.Sprintf("Task %s now depends on %s", taskID,
				prerequisiteID))
	})
}

// RemoveDependency implements TaskStore.
//
// A blocked task whose remaining prerequisites are all complete becomes
// pending.
func (s *Store) RemoveDependency(ctx context.Context, taskID,
	prerequisiteID string) error {

	return s.mutate(ctx, func(ctx context.Context, tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM dependencies
			WHERE task_id = ? AND depends_on = ?`, taskID, prerequisiteID)
		if err != nil {
			return fmt.Errorf("failed to remove dependency: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ErrValidation{
				Field: "depends_on",
				Reason: fmt.Sprintf("task %s does not depend on %s",
					taskID, prerequisiteID),
			}
		}

		g, statuses, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		if task.Status == StatusBlocked &&
			!g.IsBlocked(taskID, statusLookup(statuses)) {

			_, err := s.setDerivedStatus(ctx, tx, taskID, StatusBlocked,
				StatusPending)
			if err != nil {
				return err
			}
			return s.appendNotificationTx(ctx, tx, taskID, EventUnblocked,
				task.Assignee, eventMessage(EventUnblocked, taskID,
					task.Title))
		}

		if err := s.touch(ctx, tx, taskID); err != nil {
			return err
		}
		return s.appendNotificationTx(ctx, tx, taskID, EventUpdated,
			task.Assignee, fmt.Sprintf("Task %s no longer depends on %s",
				taskID, prerequisiteID))
	})
}

// List implements TaskStore.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, filter.Assignee)
	}
	if filter.HasDeps {
		query += ` AND EXISTS (SELECT 1 FROM dependencies d
			WHERE d.task_id = tasks.id)`
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	rows.Close()

	edges, err := loadEdges(ctx, s.db)
	if err != nil {
		return nil, err
	}
	prereqs := make(map[string][]string)
	for _, e := range edges {
		prereqs[e.Task] = append(prereqs[e.Task], e.Prerequisite)
	}
	for i := range tasks {
		tasks[i].DependsOn = prereqs[tasks[i].ID]
	}

	return tasks, nil
}

// IsBlocked implements TaskStore.
func (s *Store) IsBlocked(ctx context.Context, taskID string) (bool, error) {
	if _, err := getTask(ctx, s.db, taskID); err != nil {
		return false, err
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dependencies d
		JOIN tasks p ON p.id = d.depends_on
		WHERE d.task_id = ? AND p.status <> ?`,
		taskID, string(StatusCompleted)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check prerequisites: %w", err)
	}
	return n > 0, nil
}

// Edges returns every dependency edge.
func (s *Store) Edges(ctx context.Context) ([]Edge, error) {
	return loadEdges(ctx, s.db)
}

// mutate runs fn in a transaction while holding the store lock. Once the
// lock is held the transaction ignores cancellation of ctx.
func (s *Store) mutate(ctx context.Context,
	fn func(ctx context.Context, tx *sql.Tx) error) error {

	guarded := func(ctx context.Context, tx *sql.Tx) error {
		if err := s.requireSchema(ctx, tx); err != nil {
			return err
		}
		return fn(ctx, tx)
	}

	return s.controller.WithLock(ctx, func() error {
		ctx := context.WithoutCancel(ctx)
		return retryOnBusy(ctx, 3, func() error {
			return s.inTx(ctx, guarded)
		})
	})
}

func (s *Store) inTx(ctx context.Context,
	fn func(ctx context.Context, tx *sql.Tx) error) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// writeTask persists every mutable column of task and bumps updated_at.
func (s *Store) writeTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	criteria, err := encodeCriteria(t.Criteria)
	if err != nil {
		return err
	}

	var (
		quality, timeliness any
		notes               any
	)
	if t.Feedback != nil {
		quality = nullInt(t.Feedback.Quality)
		timeliness = nullInt(t.Feedback.Timeliness)
		notes = nullString(t.Feedback.Notes)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET title = ?,
		description = ?, status = ?, priority = ?, assignee = ?,
		updated_at = ?, completed_at = ?, deadline = ?,
		estimated_hours = ?, actual_hours = ?, success_criteria = ?,
		feedback_quality = ?, feedback_timeliness = ?,
		feedback_notes = ?, completion_summary = ? WHERE id = ?`,
		t.Title, nullString(t.Description), string(t.Status),
		string(t.Priority), nullString(t.Assignee), formatTime(s.now()),
		nullTime(t.CompletedAt), nullTime(t.Deadline),
		nullFloat(t.EstimatedHours), nullFloat(t.ActualHours), criteria,
		quality, timeliness, notes, nullString(t.CompletionSummary), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	return nil
}

// setDerivedStatus applies a dependency-driven status change.
func (s *Store) setDerivedStatus(ctx context.Context, tx *sql.Tx, taskID string,
	from, to TaskStatus) (*Task, error) {

	if err := ValidateTransition(taskID, from, to, OriginGraph); err != nil {
		return nil, err
	}

	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	task.Status = to
	if err := s.writeTask(ctx, tx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// touch bumps updated_at.
func (s *Store) touch(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ?
		WHERE id = ?`, formatTime(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// applyUpdate copies the set fields of in onto t. Status is handled by the
// caller.
func applyUpdate(t *Task, in *UpdateInput) {
	if in.Title != nil {
		t.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Assignee != nil {
		t.Assignee = *in.Assignee
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.Deadline != nil {
		t.Deadline = in.Deadline
	}
	if in.EstimatedHours != nil {
		t.EstimatedHours = in.EstimatedHours
	}
	if in.ActualHours != nil {
		t.ActualHours = in.ActualHours
	}
	if in.Criteria != nil {
		t.Criteria = in.Criteria
	}
	if in.Feedback != nil {
		t.Feedback = in.Feedback
	}
	if in.CompletionSummary != nil {
		t.CompletionSummary = *in.CompletionSummary
	}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string,
		args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getTask(ctx context.Context, q queryer, taskID string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+`
		FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrTaskNotFound{TaskID: taskID}
	}
	if err != nil {
		return nil, err
	}

	t.DependsOn, err = queryStrings(ctx, q, `SELECT depends_on
		FROM dependencies WHERE task_id = ? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                              Task
		description, assignee, creator sql.NullString
		createdAt, updatedAt           string
		completedAt, deadline          sql.NullString
		estimated, actual              sql.NullFloat64
		criteria                       sql.NullString
		quality, timeliness            sql.NullInt64
		notes, summary                 sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &description, &t.Status, &t.Priority,
		&assignee, &creator, &createdAt, &updatedAt, &completedAt,
		&deadline, &estimated, &actual, &criteria, &quality, &timeliness,
		&notes, &summary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Description = description.String
	t.Assignee = assignee.String
	t.CreatedBy = creator.String
	t.CompletionSummary = summary.String

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if t.Deadline, err = parseNullTime(deadline); err != nil {
		return nil, err
	}
	if estimated.Valid {
		t.EstimatedHours = &estimated.Float64
	}
	if actual.Valid {
		t.ActualHours = &actual.Float64
	}

	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &t.Criteria); err != nil {
			return nil, fmt.Errorf("failed to decode criteria of task "+
				"%s: %w", t.ID, err)
		}
	}

	if quality.Valid || timeliness.Valid || notes.Valid {
		t.Feedback = &Feedback{Notes: notes.String}
		if quality.Valid {
			v := int(quality.Int64)
			t.Feedback.Quality = &v
		}
		if timeliness.Valid {
			v := int(timeliness.Int64)
			t.Feedback.Timeliness = &v
		}
	}

	return &t, nil
}

// loadGraph builds the dependency graph and a status index from the
// committed state visible to q.
func loadGraph(ctx context.Context, q queryer) (*Graph, map[string]TaskStatus, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	g := NewGraph()
	statuses := make(map[string]TaskStatus)
	for rows.Next() {
		var (
			id     string
			status TaskStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, nil, fmt.Errorf("failed to scan task: %w", err)
		}
		g.AddNode(id)
		statuses[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	rows.Close()

	edges, err := loadEdges(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range edges {
		if err := g.AddEdge(e.Task, e.Prerequisite); err != nil {
			return nil, nil, &ErrStorageCorruption{
				Detail: "stored dependency graph is not acyclic",
				Cause:  err,
			}
		}
	}

	return g, statuses, nil
}

func loadEdges(ctx context.Context, q queryer) ([]Edge, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id, depends_on
		FROM dependencies ORDER BY task_id, depends_on`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Task, &e.Prerequisite); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func insertEdge(ctx context.Context, tx *sql.Tx, taskID,
	prerequisiteID string) error {

	_, err := tx.ExecContext(ctx, `INSERT INTO dependencies
		(task_id, depends_on) VALUES (?, ?)`, taskID, prerequisiteID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency: %w", err)
	}
	return nil
}

func queryStrings(ctx context.Context, q queryer, query string,
	args ...any) ([]string, error) {

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// newTaskID draws an 8-hex-character id not yet used in the store.
func newTaskID(ctx context.Context, tx *sql.Tx) (string, error) {
	for range 8 {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

		var n int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
			WHERE id = ?`, id).Scan(&n)
		if err != nil {
			return "", fmt.Errorf("failed to check task id: %w", err)
		}
		if n == 0 {
			return id, nil
		}
	}
	return "", errors.New("failed to generate a unique task id")
}

func statusLookup(statuses map[string]TaskStatus) StatusFunc {
	return func(id string) TaskStatus {
		return statuses[id]
	}
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, using
// exponential backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}

		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy ||
			sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isCorruption(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrCorrupt ||
			sqlErr.Code == sqlite3.ErrNotADB
	}
	return false
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a fixed-width UTC timestamp so text order matches
// time order.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func encodeCriteria(c []Criterion) (any, error) {
	if len(c) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode criteria: %w", err)
	}
	return string(data), nil
}

// Verify interface compliance at compile time.
var _ TaskStore = (*Store)(nil)
