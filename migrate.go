package taskorch

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.toml
var migrationFiles embed.FS

// Migration is one versioned, reversible schema change.
type Migration struct {
	Version     int    `toml:"version" json:"version"`
	Description string `toml:"description" json:"description"`
	Up          string `toml:"up" json:"-"`
	Down        string `toml:"down" json:"-"`
}

// Checksum identifies the exact up and down scripts.
func (m *Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up + "\x00" + m.Down))
	return hex.EncodeToString(sum[:])
}

// BuiltinMigrations returns the migrations embedded in the binary.
func BuiltinMigrations() ([]Migration, error) {
	return LoadMigrations(migrationFiles, "migrations")
}

// LoadMigrations parses every *.toml manifest in dir. Versions must be
// contiguous starting at 1.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w",
				entry.Name(), err)
		}

		var m Migration
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w",
				entry.Name(), err)
		}
		if strings.TrimSpace(m.Up) == "" || strings.TrimSpace(m.Down) == "" {
			return nil, fmt.Errorf("migration %s must define up and down",
				entry.Name())
		}
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration versions must be "+
				"contiguous from 1, found %d at position %d",
				m.Version, i+1)
		}
	}

	return migrations, nil
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int       `json:"version"`
	Checksum    string    `json:"checksum"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// MigrationStatus summarizes the schema state.
type MigrationStatus struct {
	Current int                `json:"current"`
	Latest  int                `json:"latest"`
	Applied []AppliedMigration `json:"applied"`
	Pending []Migration        `json:"pending"`
}

// MigrationConfig configures a MigrationManager.
type MigrationConfig struct {
	DB         *sql.DB
	BackupDir  string
	Controller *Controller
	Migrations []Migration
	Logger     *log.Logger
	Clock      func() time.Time

	// OnChange runs after Apply or Rollback changed the schema, while the
	// lock is still held.
	OnChange func(ctx context.Context) error
}

// MigrationManager applies and reverses schema migrations.
//
// Apply and Rollback hold the store lock for their whole duration, so no
// other mutation can observe a half-migrated schema.
type MigrationManager struct {
	db         *sql.DB
	backupDir  string
	controller *Controller
	migrations []Migration
	log        *log.Logger
	now        func() time.Time
	onChange   func(ctx context.Context) error
}

// NewMigrationManager creates a migration manager.
func NewMigrationManager(cfg MigrationConfig) *MigrationManager {
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &MigrationManager{
		db:         cfg.DB,
		backupDir:  cfg.BackupDir,
		controller: cfg.Controller,
		migrations: cfg.Migrations,
		log:        cfg.Logger,
		now:        cfg.Clock,
		onChange:   cfg.OnChange,
	}
}

// Latest returns the newest known migration version.
func (m *MigrationManager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Apply runs all pending migrations in ascending order and returns the
// versions applied.
//
// A backup is taken before the first step. Each step is its own
// transaction. If any step fails the backup is restored in place and an
// ErrMigration is returned; the schema is never left partially migrated.
func (m *MigrationManager) Apply(ctx context.Context) ([]int, error) {
	var applied []int
	err := m.controller.WithLock(ctx, func() error {
		ctx := context.WithoutCancel(ctx)

		var err error
		applied, err = m.applyLocked(ctx)
		if err != nil || len(applied) == 0 {
			return err
		}
		m.changed(ctx)
		return nil
	})
	return applied, err
}

// DryRun returns the migrations Apply would run. It neither locks nor
// writes a backup, and fails the same way Apply would on a newer or
// edited schema.
func (m *MigrationManager) DryRun(ctx context.Context) ([]Migration, error) {
	history, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	current := currentVersion(history)

	if err := m.verify(current, history); err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if mig.Version > current {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

func (m *MigrationManager) applyLocked(ctx context.Context) ([]int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	history, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	current := currentVersion(history)

	if err := m.verify(current, history); err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if mig.Version > current {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	backup, err := m.backup(ctx, current)
	if err != nil {
		return nil, &ErrMigration{
			Version: pending[0].Version, Op: "backup", Cause: err,
		}
	}
	m.log.Info("migrating schema", "from", current,
		"to", pending[len(pending)-1].Version, "backup", backup)

	var applied []int
	for _, mig := range pending {
		if err := m.step(ctx, mig); err != nil {
			m.log.Error("migration failed, restoring backup",
				"version", mig.Version, "err", err)

			if rerr := m.restore(ctx, backup); rerr != nil {
				err = errors.Join(err, fmt.Errorf("restore from %s "+
					"failed: %w", backup, rerr))
			}
			return nil, &ErrMigration{
				Version: mig.Version, Op: "apply", Cause: err,
			}
		}
		applied = append(applied, mig.Version)
		m.log.Info("applied migration", "version", mig.Version,
			"description", mig.Description)
	}

	return applied, nil
}

// Rollback reverses the most recently applied migration and returns its
// version. The stored checksum must match the known migration.
func (m *MigrationManager) Rollback(ctx context.Context) (int, error) {
	var version int
	err := m.controller.WithLock(ctx, func() error {
		ctx := context.WithoutCancel(ctx)

		var err error
		version, err = m.rollbackLocked(ctx)
		if err != nil {
			return err
		}
		m.changed(ctx)
		return nil
	})
	return version, err
}

// changed runs the OnChange hook. A failing hook is logged, not returned:
// the schema change itself has already committed.
func (m *MigrationManager) changed(ctx context.Context) {
	if m.onChange == nil {
		return
	}
	if err := m.onChange(ctx); err != nil {
		m.log.Error("schema change hook failed", "err", err)
	}
}

func (m *MigrationManager) rollbackLocked(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	history, err := m.history(ctx)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return 0, &ErrMigration{
			Op: "rollback", Cause: errors.New("no migrations applied"),
		}
	}

	last := history[len(history)-1]
	mig, ok := m.find(last.Version)
	if !ok {
		return 0, &ErrMigration{
			Version: last.Version, Op: "rollback",
			Cause: errors.New("no rollback script for this version"),
		}
	}
	if mig.Checksum() != last.Checksum {
		return 0, &ErrMigration{
			Version: last.Version, Op: "rollback",
			Cause: fmt.Errorf("checksum mismatch: stored %s, known %s",
				last.Checksum, mig.Checksum()),
		}
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM schema_migrations WHERE version = ?`, mig.Version)
		return err
	})
	if err != nil {
		return 0, &ErrMigration{
			Version: mig.Version, Op: "rollback", Cause: err,
		}
	}

	m.log.Info("rolled back migration", "version", mig.Version)
	return mig.Version, nil
}

// Status reports the current version, applied history, and pending
// migrations. It does not take the lock.
func (m *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	history, err := m.history(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		Current: currentVersion(history),
		Latest:  m.Latest(),
		Applied: history,
	}
	for _, mig := range m.migrations {
		if mig.Version > status.Current {
			status.Pending = append(status.Pending, mig)
		}
	}
	return status, nil
}

// Version returns the current schema version, 0 for an empty store.
func (m *MigrationManager) Version(ctx context.Context) (int, error) {
	history, err := m.history(ctx)
	if err != nil {
		return 0, err
	}
	return currentVersion(history), nil
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS
		schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			description TEXT,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

// history returns applied migrations in ascending order. A missing table
// means nothing has been applied.
func (m *MigrationManager) history(ctx context.Context) ([]AppliedMigration, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum,
		COALESCE(description, ''), applied_at
		FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	var history []AppliedMigration
	for rows.Next() {
		var (
			a         AppliedMigration
			appliedAt string
		)
		err := rows.Scan(&a.Version, &a.Checksum, &a.Description,
			&appliedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		if a.AppliedAt, err = parseTime(appliedAt); err != nil {
			return nil, err
		}
		history = append(history, a)
	}
	return history, rows.Err()
}

// verify rejects databases newer than this binary and applied migrations
// whose scripts have since changed.
func (m *MigrationManager) verify(current int,
	history []AppliedMigration) error {

	if current > m.Latest() {
		return &ErrMigration{
			Version: current, Op: "verify",
			Cause: fmt.Errorf("database schema version %d is newer "+
				"than the newest known migration %d", current,
				m.Latest()),
		}
	}

	for _, a := range history {
		mig, ok := m.find(a.Version)
		if !ok {
			continue
		}
		if mig.Checksum() != a.Checksum {
			return &ErrMigration{
				Version: a.Version, Op: "verify",
				Cause: fmt.Errorf("checksum mismatch: stored %s, "+
					"known %s", a.Checksum, mig.Checksum()),
			}
		}
	}
	return nil
}

func (m *MigrationManager) step(ctx context.Context, mig Migration) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations
			(version, checksum, description, applied_at)
			VALUES (?, ?, ?, ?)`,
			mig.Version, mig.Checksum(), mig.Description,
			formatTime(m.now()))
		return err
	})
}

func (m *MigrationManager) inTx(ctx context.Context,
	fn func(tx *sql.Tx) error) error {

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MigrationManager) find(version int) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return mig, true
		}
	}
	return Migration{}, false
}

// backup writes a full copy of the database and returns its path.
func (m *MigrationManager) backup(ctx context.Context, version int) (string, error) {
	if err := os.MkdirAll(m.backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("tasks-v%d-%s.db", version,
		m.now().UTC().Format("20060102T150405.000000000"))
	backupPath := filepath.Join(m.backupDir, name)

	_, err := m.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'",
		strings.ReplaceAll(backupPath, "'", "''")))
	if err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}
	return backupPath, nil
}

// restore copies the backup over the live database through SQLite's online
// backup API, so connections held by other processes stay valid.
func (m *MigrationManager) restore(ctx context.Context, backupPath string) error {
	src, err := sql.Open(sqliteDriver, backupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	srcConn, err := src.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer srcConn.Close()

	dstConn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dstConn.Close()

	return dstConn.Raw(func(dc any) error {
		return srcConn.Raw(func(sc any) error {
			dst, ok := dc.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", dc)
			}
			srcRaw, ok := sc.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", sc)
			}

			bk, err := dst.Backup("main", srcRaw, "main")
			if err != nil {
				return fmt.Errorf("failed to start restore: %w", err)
			}
			done, err := bk.Step(-1)
			if err != nil {
				_ = bk.Finish()
				return fmt.Errorf("failed to copy pages: %w", err)
			}
			if !done {
				_ = bk.Finish()
				return errors.New("restore did not complete")
			}
			return bk.Finish()
		})
	})
}

func currentVersion(history []AppliedMigration) int {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Version
}
