// Command taskorch manages a shared task board from the command line.
//
// Every invocation opens the store, performs one operation, and exits, so
// any number of agents can run it concurrently against the same database.
//
// Usage:
//
//	taskorch add "Design schema" --priority high
//	taskorch add "Write migrations" --depends-on 1a2b3c4d
//	taskorch start 1a2b3c4d --agent backend
//	taskorch complete 1a2b3c4d --summary "schema merged"
//	taskorch watch --agent backend
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/roasbeef/taskorch"
	"github.com/spf13/cobra"
)

var version = "dev"

// app holds the persistent flags shared by every command.
type app struct {
	configPath string
	dbPath     string
	agentID    string
	logLevel   string
	jsonOut    bool
}

func main() {
	rootCmd := newRootCmd(&app{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if taskorch.IsRetryable(err) {
			fmt.Fprintln(os.Stderr, "the store is busy; try again")
		}
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around a.
func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "taskorch",
		Short:         "Shared task board with dependencies for cooperating agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "",
		"config file (default .task-orchestrator/config.yaml)")
	flags.StringVar(&a.dbPath, "db", "", "database path (overrides config)")
	flags.StringVar(&a.agentID, "agent", "", "agent id (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		a.addCmd(),
		a.showCmd(),
		a.listCmd(),
		a.updateCmd(),
		a.startCmd(),
		a.completeCmd(),
		a.cancelCmd(),
		a.deleteCmd(),
		a.dependCmd(),
		a.joinCmd(),
		a.watchCmd(),
		a.graphCmd(),
		a.migrateCmd(),
	)

	return rootCmd
}

// config layers the command-line flags over the loaded configuration.
func (a *app) config() (taskorch.Config, error) {
	cfg, err := taskorch.LoadConfig(a.configPath)
	if err != nil {
		return cfg, err
	}

	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.agentID != "" {
		cfg.AgentID = a.agentID
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	return cfg, cfg.Validate()
}

// withStore opens the store, runs fn, and closes the store.
func (a *app) withStore(cmd *cobra.Command,
	fn func(ctx context.Context, s *taskorch.Store, cfg taskorch.Config) error) error {

	cfg, err := a.config()
	if err != nil {
		return err
	}

	logger := taskorch.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level)
	ctx := cmd.Context()

	store, err := taskorch.Open(ctx, cfg, taskorch.WithLogger(logger))
	if err != nil {
		var corrupt *taskorch.ErrStorageCorruption
		if errors.As(err, &corrupt) {
			return fmt.Errorf("%w (restore a file from %s)", err,
				cfg.BackupDir())
		}
		return err
	}
	defer store.Close()

	return fn(ctx, store, cfg)
}

// print writes v as indented JSON when --json is set, otherwise calls
// text.
func (a *app) print(w io.Writer, v any, text func()) error {
	if !a.jsonOut {
		text()
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
