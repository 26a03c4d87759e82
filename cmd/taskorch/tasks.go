package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roasbeef/taskorch"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func (a *app) addCmd() *cobra.Command {
	var (
		description string
		priority    string
		assignee    string
		dependsOn   []string
		deadline    string
		estimate    float64
		criteria    string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, cfg taskorch.Config) error {

				in := taskorch.CreateInput{
					Title:       strings.Join(args, " "),
					Description: description,
					Priority:    taskorch.Priority(priority),
					Assignee:    assignee,
					CreatedBy:   cfg.AgentID,
					DependsOn:   dependsOn,
				}
				if deadline != "" {
					d, err := parseDeadline(deadline)
					if err != nil {
						return err
					}
					in.Deadline = &d
				}
				if cmd.Flags().Changed("estimate") {
					in.EstimatedHours = &estimate
				}
				if criteria != "" {
					c, err := taskorch.ParseCriteria([]byte(criteria))
					if err != nil {
						return err
					}
					in.Criteria = c
				}

				id, err := s.Create(ctx, in)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				return a.print(out, map[string]string{"id": id}, func() {
					fmt.Fprintln(out, id)
				})
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&description, "description", "d", "", "task description")
	f.StringVarP(&priority, "priority", "p", "", "low, medium, high or critical")
	f.StringVar(&assignee, "assignee", "", "agent to assign")
	f.StringSliceVar(&dependsOn, "depends-on", nil, "prerequisite task ids")
	f.StringVar(&deadline, "deadline", "", "deadline (RFC 3339 or YYYY-MM-DD)")
	f.Float64Var(&estimate, "estimate", 0, "estimated hours")
	f.StringVar(&criteria, "criteria", "", "success criteria as a JSON array")

	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				task, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				return a.print(out, task, func() {
					printTask(out, task)
				})
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		status   string
		assignee string
		limit    int
		mine     bool
		hasDeps  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, cfg taskorch.Config) error {

				filter := taskorch.ListFilter{
					Status:   taskorch.TaskStatus(status),
					Assignee: assignee,
					Limit:    limit,
					HasDeps:  hasDeps,
				}
				if filter.Status != "" && !filter.Status.Valid() {
					return &taskorch.ErrValidation{
						Field:  "status",
						Reason: fmt.Sprintf("unknown status %q", status),
					}
				}
				if mine {
					if cfg.AgentID == "" {
						return errNoAgent
					}
					filter.Assignee = cfg.AgentID
				}

				tasks, err := s.List(ctx, filter)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				return a.print(out, tasks, func() {
					printTaskTable(out, tasks)
				})
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&status, "status", "s", "", "filter by status")
	f.StringVar(&assignee, "assignee", "", "filter by assignee")
	f.IntVarP(&limit, "limit", "n", 0, "maximum number of tasks")
	f.BoolVar(&mine, "mine", false, "only tasks assigned to --agent")
	f.BoolVar(&hasDeps, "has-deps", false, "only tasks with prerequisites")

	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := updateFromFlags(cmd.Flags())
			if err != nil {
				return err
			}

			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				return s.Update(ctx, args[0], in)
			})
		},
	}

	f := cmd.Flags()
	f.String("title", "", "new title")
	f.StringP("description", "d", "", "new description")
	f.String("assignee", "", "new assignee")
	f.StringP("priority", "p", "", "new priority")
	f.StringP("status", "s", "", "new status (in_progress or cancelled)")
	f.String("deadline", "", "deadline (RFC 3339 or YYYY-MM-DD)")
	f.Float64("estimate", 0, "estimated hours")
	f.Float64("actual", 0, "actual hours")
	f.String("criteria", "", "success criteria as a JSON array")
	f.String("summary", "", "completion summary")
	addFeedbackFlags(f)

	return cmd
}

// updateFromFlags builds an UpdateInput from the flags that were set.
func updateFromFlags(f *pflag.FlagSet) (taskorch.UpdateInput, error) {
	var in taskorch.UpdateInput

	str := func(name string) *string {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetString(name)
		return &v
	}
	num := func(name string) *float64 {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetFloat64(name)
		return &v
	}

	in.Title = str("title")
	in.Description = str("description")
	in.Assignee = str("assignee")
	in.CompletionSummary = str("summary")
	in.EstimatedHours = num("estimate")
	in.ActualHours = num("actual")

	if p := str("priority"); p != nil {
		priority := taskorch.Priority(*p)
		in.Priority = &priority
	}
	if s := str("status"); s != nil {
		in.Status = taskorch.TaskStatus(*s)
	}
	if d := str("deadline"); d != nil {
		deadline, err := parseDeadline(*d)
		if err != nil {
			return in, err
		}
		in.Deadline = &deadline
	}
	if c := str("criteria"); c != nil {
		criteria, err := taskorch.ParseCriteria([]byte(*c))
		if err != nil {
			return in, err
		}
		in.Criteria = criteria
	}
	in.Feedback = feedbackFromFlags(f)

	return in, nil
}

func (a *app) startCmd() *cobra.Command {
	var assignee string

	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Move a pending task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, cfg taskorch.Config) error {

				if assignee == "" {
					assignee = cfg.AgentID
				}
				return s.Start(ctx, args[0], assignee)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "",
		"assignee (defaults to --agent)")

	return cmd
}

func (a *app) completeCmd() *cobra.Command {
	var (
		summary string
		actual  float64
	)

	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an in-progress task and unblock its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := taskorch.CompleteOptions{
				Summary:  summary,
				Feedback: feedbackFromFlags(cmd.Flags()),
			}
			if cmd.Flags().Changed("actual") {
				opts.ActualHours = &actual
			}

			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				return s.Complete(ctx, args[0], opts)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&summary, "summary", "", "completion summary")
	f.Float64Var(&actual, "actual", 0, "actual hours spent")
	addFeedbackFlags(f)

	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or in-progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				return s.Cancel(ctx, args[0])
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task that nothing depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, _ taskorch.Config) error {

				err := s.Delete(ctx, args[0])
				var exists *taskorch.ErrDependencyExists
				if errors.As(err, &exists) {
					return fmt.Errorf("%w; remove those dependencies "+
						"first", err)
				}
				return err
			})
		},
	}
}

func (a *app) joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <id>",
		Short: "Record --agent as a participant of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context,
				s *taskorch.Store, cfg taskorch.Config) error {

				if cfg.AgentID == "" {
					return errNoAgent
				}
				if err := s.Join(ctx, args[0], cfg.AgentID); err != nil {
					return err
				}

				agents, err := s.Participants(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				return a.print(out, agents, func() {
					fmt.Fprintln(out, strings.Join(agents, "\n"))
				})
			})
		},
	}
}

var errNoAgent = errors.New("no agent id: pass --agent or set " +
	taskorch.EnvAgentID)

func addFeedbackFlags(f *pflag.FlagSet) {
	f.Int("quality", 0, "quality score 1-5")
	f.Int("timeliness", 0, "timeliness score 1-5")
	f.String("notes", "", "feedback notes")
}

// feedbackFromFlags returns nil unless a feedback flag was set.
func feedbackFromFlags(f *pflag.FlagSet) *taskorch.Feedback {
	if !f.Changed("quality") && !f.Changed("timeliness") &&
		!f.Changed("notes") {

		return nil
	}

	fb := &taskorch.Feedback{}
	if f.Changed("quality") {
		v, _ := f.GetInt("quality")
		fb.Quality = &v
	}
	if f.Changed("timeliness") {
		v, _ := f.GetInt("timeliness")
		fb.Timeliness = &v
	}
	fb.Notes, _ = f.GetString("notes")
	return fb
}

func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, &taskorch.ErrValidation{
			Field:  "deadline",
			Reason: fmt.Sprintf("cannot parse %q as a date", s),
		}
	}
	return t, nil
}

func printTask(w io.Writer, t *taskorch.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}

	row("ID", t.ID)
	row("Title", t.Title)
	row("Status", string(t.Status))
	row("Priority", string(t.Priority))
	row("Assignee", t.Assignee)
	row("Created by", t.CreatedBy)
	row("Description", t.Description)
	row("Depends on", strings.Join(t.DependsOn, ", "))
	row("Created", t.CreatedAt.Local().Format(time.DateTime))
	row("Updated", t.UpdatedAt.Local().Format(time.DateTime))
	if t.CompletedAt != nil {
		row("Completed", t.CompletedAt.Local().Format(time.DateTime))
	}
	if t.Deadline != nil {
		row("Deadline", t.Deadline.Local().Format(time.DateTime))
	}
	if t.EstimatedHours != nil {
		row("Estimate", fmt.Sprintf("%gh", *t.EstimatedHours))
	}
	if t.ActualHours != nil {
		row("Actual", fmt.Sprintf("%gh", *t.ActualHours))
	}
	for i, c := range t.Criteria {
		row(fmt.Sprintf("Criterion %d", i+1), strings.TrimSpace(
			c.Criterion+" "+bracket(c.Measurable)))
	}
	if fb := t.Feedback; fb != nil {
		if fb.Quality != nil {
			row("Quality", fmt.Sprintf("%d/5", *fb.Quality))
		}
		if fb.Timeliness != nil {
			row("Timeliness", fmt.Sprintf("%d/5", *fb.Timeliness))
		}
		row("Notes", fb.Notes)
	}
	row("Summary", t.CompletionSummary)
}

func printTaskTable(w io.Writer, tasks []taskorch.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tASSIGNEE\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status,
			t.Priority, t.Assignee, t.Title)
	}
}

func bracket(s string) string {
	if s == "" {
		return ""
	}
	return "(" + s + ")"
}
