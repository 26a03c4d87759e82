package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/roasbeef/taskorch"
	"github.com/spf13/cobra"
)

func (a *app) dependCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "depend",
		Short: "Manage dependencies between tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <task-id> <prerequisite-id>",
		Short: "Make a task wait for a prerequisite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				return s.AddDependency(ctx, args[0], args[1])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "rm <task-id> <prerequisite-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a dependency",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				return s.RemoveDependency(ctx, args[0], args[1])
			})
		},
	})

	return cmd
}

// graphView is the JSON shape of the graph command.
type graphView struct {
	Edges        []taskorch.Edge `json:"edges"`
	Order        []string        `json:"order"`
	CriticalPath []string        `json:"critical_path"`
	PathHours    float64         `json:"critical_path_hours"`
}

func (a *app) graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Show dependency edges, execution order and the critical path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				var (
					view graphView
					err  error
				)
				if view.Edges, err = s.Edges(ctx); err != nil {
					return err
				}
				if view.Order, err = s.Order(ctx); err != nil {
					return err
				}
				view.CriticalPath, view.PathHours, err = s.CriticalPath(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				return a.print(out, view, func() {
					fmt.Fprintln(out, "Edges (task <- prerequisite):")
					for _, e := range view.Edges {
						fmt.Fprintf(out, "  %s <- %s\n", e.Task,
							e.Prerequisite)
					}
					fmt.Fprintln(out, "Order:", strings.Join(view.Order, " "))
					fmt.Fprintf(out, "Critical path (%gh): %s\n",
						view.PathHours,
						strings.Join(view.CriticalPath, " -> "))
				})
			})
		},
	}
}
