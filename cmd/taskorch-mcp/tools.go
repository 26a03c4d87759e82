package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/taskorch"
)

// tools binds the MCP handlers to one open store and the serving agent.
type tools struct {
	store *taskorch.Store
	agent string
}

// CreateArgs is the input schema for task_create.
type CreateArgs struct {
	Title          string               `json:"title" jsonschema:"Short summary of the work"`
	Description    string               `json:"description,omitempty" jsonschema:"Details of what needs to be done"`
	Priority       string               `json:"priority,omitempty" jsonschema:"low, medium, high or critical (default medium)"`
	Assignee       string               `json:"assignee,omitempty" jsonschema:"Agent to assign the task to"`
	DependsOn      []string             `json:"depends_on,omitempty" jsonschema:"IDs of prerequisite tasks"`
	Deadline       string               `json:"deadline,omitempty" jsonschema:"RFC3339 deadline"`
	EstimatedHours *float64             `json:"estimated_hours,omitempty" jsonschema:"Estimated effort in hours"`
	Criteria       []taskorch.Criterion `json:"success_criteria,omitempty" jsonschema:"Success criteria for the task"`
}

// TaskArgs is the input schema for tools that act on one task.
type TaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"Task ID"`
}

// ListArgs is the input schema for task_list.
type ListArgs struct {
	Status    string `json:"status,omitempty" jsonschema:"Only tasks in this status"`
	Assignee  string `json:"assignee,omitempty" jsonschema:"Only tasks assigned to this agent"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks"`
	Available bool   `json:"available,omitempty" jsonschema:"Only tasks this agent can start now, most urgent first"`
	HasDeps   bool   `json:"has_deps,omitempty" jsonschema:"Only tasks with at least one prerequisite"`
}

// UpdateArgs is the input schema for task_update.
type UpdateArgs struct {
	TaskID         string               `json:"task_id" jsonschema:"Task ID"`
	Title          *string              `json:"title,omitempty"`
	Description    *string              `json:"description,omitempty"`
	Assignee       *string              `json:"assignee,omitempty"`
	Priority       string               `json:"priority,omitempty"`
	Deadline       string               `json:"deadline,omitempty" jsonschema:"RFC3339 deadline"`
	EstimatedHours *float64             `json:"estimated_hours,omitempty"`
	ActualHours    *float64             `json:"actual_hours,omitempty"`
	Criteria       []taskorch.Criterion `json:"success_criteria,omitempty"`
	Feedback       *taskorch.Feedback   `json:"feedback,omitempty"`
	Status         string               `json:"status,omitempty" jsonschema:"in_progress or cancelled"`
}

// StartArgs is the input schema for task_start.
type StartArgs struct {
	TaskID   string `json:"task_id" jsonschema:"Task ID"`
	Assignee string `json:"assignee,omitempty" jsonschema:"Agent taking the task (default this agent)"`
}

// CompleteArgs is the input schema for task_complete.
type CompleteArgs struct {
	TaskID      string             `json:"task_id" jsonschema:"Task ID"`
	Summary     string             `json:"summary,omitempty" jsonschema:"What was done"`
	ActualHours *float64           `json:"actual_hours,omitempty" jsonschema:"Hours actually spent"`
	Feedback    *taskorch.Feedback `json:"feedback,omitempty"`
}

// DependArgs is the input schema for task_depend and task_undepend.
type DependArgs struct {
	TaskID    string `json:"task_id" jsonschema:"Task that waits"`
	DependsOn string `json:"depends_on" jsonschema:"Prerequisite task"`
}

// PollArgs is the input schema for task_poll.
type PollArgs struct {
	Cursor int64 `json:"cursor,omitempty" jsonschema:"Cursor returned by the previous poll (0 for all)"`
	Limit  int   `json:"limit,omitempty" jsonschema:"Maximum number of events"`
	All    bool  `json:"all,omitempty" jsonschema:"Include events addressed to other agents"`
}

// EmptyArgs is the input schema for tools without parameters.
type EmptyArgs struct{}

// pollResult is what task_poll returns.
type pollResult struct {
	Events []taskorch.Notification `json:"events"`
	Cursor int64                   `json:"cursor"`
}

// graphResult is what task_graph returns.
type graphResult struct {
	Edges        []taskorch.Edge `json:"edges"`
	Order        []string        `json:"order"`
	CriticalPath []string        `json:"critical_path"`
	PathHours    float64         `json:"critical_path_hours"`
}

func registerTools(server *mcp.Server, t *tools) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "task_create",
		Description: "Create a task. It starts blocked if any " +
			"prerequisite is not completed.",
	}, t.create)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_get",
		Description: "Get a task with its prerequisites",
	}, t.get)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_list",
		Description: "List tasks, optionally filtered",
	}, t.list)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_update",
		Description: "Change fields of a task. Only given fields change.",
	}, t.update)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_start",
		Description: "Move a pending task to in_progress",
	}, t.start)

	mcp.AddTool(server, &mcp.Tool{
		Name: "task_claim_next",
		Description: "Start the most urgent task available to this " +
			"agent. Returns null when there is none.",
	}, t.claimNext)

	mcp.AddTool(server, &mcp.Tool{
		Name: "task_complete",
		Description: "Complete an in-progress task and unblock its " +
			"dependents",
	}, t.complete)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_cancel",
		Description: "Cancel a pending or in-progress task",
	}, t.cancel)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_delete",
		Description: "Delete a task that nothing depends on",
	}, t.delete)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_depend",
		Description: "Make a task wait for a prerequisite",
	}, t.depend)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_undepend",
		Description: "Remove a dependency between two tasks",
	}, t.undepend)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_join",
		Description: "Record this agent as a participant of a task",
	}, t.join)

	mcp.AddTool(server, &mcp.Tool{
		Name: "task_poll",
		Description: "Fetch notifications after a cursor. Pass the " +
			"returned cursor to the next call.",
	}, t.poll)

	mcp.AddTool(server, &mcp.Tool{
		Name: "task_graph",
		Description: "Dependency edges, an execution order and the " +
			"critical path of open work",
	}, t.graph)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "migration_status",
		Description: "Show the schema version and migration history",
	}, t.migrationStatus)
}

func (t *tools) create(ctx context.Context, req *mcp.CallToolRequest,
	args CreateArgs) (*mcp.CallToolResult, any, error) {

	deadline, err := parseDeadline(args.Deadline)
	if err != nil {
		return errorResult(err), nil, nil
	}

	in := taskorch.CreateInput{
		Title:          args.Title,
		Description:    args.Description,
		Priority:       taskorch.Priority(args.Priority),
		Assignee:       args.Assignee,
		CreatedBy:      t.agent,
		Deadline:       deadline,
		EstimatedHours: args.EstimatedHours,
		Criteria:       args.Criteria,
		DependsOn:      args.DependsOn,
	}
	id, err := t.store.Create(ctx, in)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, id)
}

func (t *tools) get(ctx context.Context, req *mcp.CallToolRequest,
	args TaskArgs) (*mcp.CallToolResult, any, error) {

	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) list(ctx context.Context, req *mcp.CallToolRequest,
	args ListArgs) (*mcp.CallToolResult, any, error) {

	if args.Available {
		tm := taskorch.NewTaskManagerWithStore(t.agent, t.store)
		tasks, err := tm.ListAvailable(ctx)
		if err != nil {
			return errorResult(err), nil, nil
		}
		if args.HasDeps {
			tasks = slices.DeleteFunc(tasks, func(t taskorch.Task) bool {
				return len(t.DependsOn) == 0
			})
		}
		if args.Limit > 0 && len(tasks) > args.Limit {
			tasks = tasks[:args.Limit]
		}
		return jsonResult(tasks)
	}

	tasks, err := t.store.List(ctx, taskorch.ListFilter{
		Status:   taskorch.TaskStatus(args.Status),
		Assignee: args.Assignee,
		Limit:    args.Limit,
		HasDeps:  args.HasDeps,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(tasks)
}

func (t *tools) update(ctx context.Context, req *mcp.CallToolRequest,
	args UpdateArgs) (*mcp.CallToolResult, any, error) {

	deadline, err := parseDeadline(args.Deadline)
	if err != nil {
		return errorResult(err), nil, nil
	}

	in := taskorch.UpdateInput{
		Title:          args.Title,
		Description:    args.Description,
		Assignee:       args.Assignee,
		Deadline:       deadline,
		EstimatedHours: args.EstimatedHours,
		ActualHours:    args.ActualHours,
		Criteria:       args.Criteria,
		Feedback:       args.Feedback,
		Status:         taskorch.TaskStatus(args.Status),
	}
	if args.Priority != "" {
		p := taskorch.Priority(args.Priority)
		in.Priority = &p
	}

	if err := t.store.Update(ctx, args.TaskID, in); err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) start(ctx context.Context, req *mcp.CallToolRequest,
	args StartArgs) (*mcp.CallToolResult, any, error) {

	assignee := args.Assignee
	if assignee == "" {
		assignee = t.agent
	}
	if err := t.store.Start(ctx, args.TaskID, assignee); err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) claimNext(ctx context.Context, req *mcp.CallToolRequest,
	args EmptyArgs) (*mcp.CallToolResult, any, error) {

	if t.agent == "" {
		return errorResult(fmt.Errorf("server has no agent id; " +
			"restart with --agent")), nil, nil
	}

	tm := taskorch.NewTaskManagerWithStore(t.agent, t.store)
	task, err := tm.ClaimNext(ctx)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(task)
}

func (t *tools) complete(ctx context.Context, req *mcp.CallToolRequest,
	args CompleteArgs) (*mcp.CallToolResult, any, error) {

	err := t.store.Complete(ctx, args.TaskID, taskorch.CompleteOptions{
		Summary:     args.Summary,
		ActualHours: args.ActualHours,
		Feedback:    args.Feedback,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) cancel(ctx context.Context, req *mcp.CallToolRequest,
	args TaskArgs) (*mcp.CallToolResult, any, error) {

	if err := t.store.Cancel(ctx, args.TaskID); err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) delete(ctx context.Context, req *mcp.CallToolRequest,
	args TaskArgs) (*mcp.CallToolResult, any, error) {

	if err := t.store.Delete(ctx, args.TaskID); err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("Deleted task " + args.TaskID), nil, nil
}

func (t *tools) depend(ctx context.Context, req *mcp.CallToolRequest,
	args DependArgs) (*mcp.CallToolResult, any, error) {

	err := t.store.AddDependency(ctx, args.TaskID, args.DependsOn)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) undepend(ctx context.Context, req *mcp.CallToolRequest,
	args DependArgs) (*mcp.CallToolResult, any, error) {

	err := t.store.RemoveDependency(ctx, args.TaskID, args.DependsOn)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return t.taskResult(ctx, args.TaskID)
}

func (t *tools) join(ctx context.Context, req *mcp.CallToolRequest,
	args TaskArgs) (*mcp.CallToolResult, any, error) {

	if err := t.store.Join(ctx, args.TaskID, t.agent); err != nil {
		return errorResult(err), nil, nil
	}
	participants, err := t.store.Participants(ctx, args.TaskID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(participants)
}

func (t *tools) poll(ctx context.Context, req *mcp.CallToolRequest,
	args PollArgs) (*mcp.CallToolResult, any, error) {

	var opts []taskorch.PollOption
	if args.Limit > 0 {
		opts = append(opts, taskorch.WithPollLimit(args.Limit))
	}
	if !args.All && t.agent != "" {
		opts = append(opts, taskorch.WithRecipient(t.agent))
	}

	events, cursor, err := t.store.Poll(ctx, args.Cursor, opts...)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(pollResult{Events: events, Cursor: cursor})
}

func (t *tools) graph(ctx context.Context, req *mcp.CallToolRequest,
	args EmptyArgs) (*mcp.CallToolResult, any, error) {

	var (
		res graphResult
		err error
	)
	if res.Edges, err = t.store.Edges(ctx); err != nil {
		return errorResult(err), nil, nil
	}
	if res.Order, err = t.store.Order(ctx); err != nil {
		return errorResult(err), nil, nil
	}
	res.CriticalPath, res.PathHours, err = t.store.CriticalPath(ctx)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(res)
}

func (t *tools) migrationStatus(ctx context.Context, req *mcp.CallToolRequest,
	args EmptyArgs) (*mcp.CallToolResult, any, error) {

	status, err := t.store.Migrations().Status(ctx)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(status)
}

func (t *tools) taskResult(ctx context.Context,
	id string) (*mcp.CallToolResult, any, error) {

	task, err := t.store.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(task)
}

func parseDeadline(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &taskorch.ErrValidation{
			Field: "deadline", Reason: "must be RFC3339",
		}
	}
	return &d, nil
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return textResult(string(data)), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// errorResult reports a store error to the calling agent as a tool failure
// rather than a protocol error, so it can react to it.
func errorResult(err error) *mcp.CallToolResult {
	text := err.Error()
	if taskorch.IsRetryable(err) {
		text += " (retryable)"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}
