// Command taskorch-mcp exposes the shared task store to agents as MCP tools
// over stdio.
//
// The server keeps one store open for its lifetime. Any number of servers
// (one per agent) may run against the same database.
//
// Usage:
//
//	go build -o taskorch-mcp ./cmd/taskorch-mcp
//	# Then register it with the agent runtime, e.g.
//	#   {"command": "./taskorch-mcp", "args": ["--agent", "backend"]}
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/taskorch"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskorch-mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "config file")
		dbPath     = pflag.String("db", "", "database path (overrides config)")
		agentID    = pflag.String("agent", "", "agent id (overrides config)")
		logLevel   = pflag.String("log-level", "", "debug, info, warn or error")
	)
	pflag.Parse()

	cfg, err := taskorch.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	// Stdout carries the protocol, so logs go to stderr only.
	logger := taskorch.NewLogger(os.Stderr, cfg.Log.Level)

	store, err := taskorch.Open(ctx, cfg, taskorch.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "taskorch",
			Version: version,
		},
		nil,
	)
	registerTools(server, &tools{
		store: store,
		agent: cfg.AgentID,
	})

	logger.Info("Serving task tools", "db", cfg.Database.Path,
		"agent", cfg.AgentID)

	return server.Run(ctx, &mcp.StdioTransport{})
}
