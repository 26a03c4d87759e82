package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/roasbeef/taskorch"
	"github.com/spf13/cobra"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		since    int64
		interval time.Duration
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, cfg taskorch.Config) error {

				agent := cfg.AgentID
				if all {
					agent = ""
				}
				tm := taskorch.NewTaskManagerWithStore(agent, s)

				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for ev := range tm.Watch(ctx, since, interval) {
					err := a.print(out, ev, func() {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.ID,
							ev.CreatedAt.Local().Format(time.TimeOnly),
							ev.Type, ev.Message)
						tw.Flush()
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.Int64Var(&since, "since", 0, "only events after this cursor")
	f.DurationVar(&interval, "interval", time.Second, "poll interval")
	f.BoolVar(&all, "all", false, "include events addressed to other agents")

	return cmd
}
