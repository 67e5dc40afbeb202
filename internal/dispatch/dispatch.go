// Package dispatch registers the service's 16 primitives as MCP tools and
// wires each to the Input Validator plus the local/cloud executors or the
// Task Registry directly. Grounded on the teacher's own MCP tool layer
// (internal/mcpserver/server.go + tools.go): one mcp.NewTool(...) per
// operation, registered against a github.com/mark3labs/mcp-go
// server.MCPServer, with handlers of type server.ToolHandlerFunc returning
// mcp.NewToolResultText/NewToolResultError. Unlike the teacher, which serves
// SSE and Streamable HTTP, this server is served over stdio (server.ServeStdio)
// per the spec's transport choice — only the transport differs.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/environments"
	"github.com/kandev/kandev/internal/executor/cloud"
	"github.com/kandev/kandev/internal/executor/local"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/redact"
	"github.com/kandev/kandev/internal/task"
	"github.com/kandev/kandev/internal/validate"
)

// defaultSyncTimeout bounds how long a synchronous local_run/cloud_run
// invocation (async=false) waits internally before surfacing a timeout
// error, since the underlying executors themselves never block.
const defaultSyncTimeout = 5 * time.Minute

// defaultWaitPollInterval is used by wait/sync-run polling when the caller
// does not specify poll_interval_sec.
const defaultWaitPollInterval = 2 * time.Second

// Deps bundles the collaborators every primitive handler needs.
type Deps struct {
	Registry      task.Registry
	LocalExecutor *local.Executor
	CloudExecutor *cloud.Executor
	Environments  *environments.Catalog
	Log           *logger.Logger
}

// Register installs all 16 primitives on s.
func Register(s *server.MCPServer, deps Deps) {
	log := deps.Log.WithFields(zap.String("component", "dispatcher"))

	s.AddTool(mcp.NewTool("local_run",
		mcp.WithDescription("Run an agent task locally, optionally waiting for it to finish before returning."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The instruction to give the agent")),
		mcp.WithString("mode", mcp.Required(), mcp.Description("Sandbox level: read-only, workspace-write, or danger-full-access")),
		mcp.WithString("model", mcp.Description("Model identifier override (optional)")),
		mcp.WithString("working_dir", mcp.Description("Absolute working directory (optional)")),
		mcp.WithBoolean("confirm", mcp.Description("Required true when mode is workspace-write or danger-full-access")),
		mcp.WithBoolean("async", mcp.Description("If true, return immediately instead of waiting for completion (default false)")),
	), localRunHandler(deps, log))

	s.AddTool(mcp.NewTool("local_exec",
		mcp.WithDescription("Start an agent task locally in the background; returns immediately with a task_id."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The instruction to give the agent")),
		mcp.WithString("mode", mcp.Required(), mcp.Description("Sandbox level: read-only, workspace-write, or danger-full-access")),
		mcp.WithString("model", mcp.Description("Model identifier override (optional)")),
		mcp.WithString("working_dir", mcp.Description("Absolute working directory (optional)")),
		mcp.WithBoolean("confirm", mcp.Description("Required true when mode is workspace-write or danger-full-access")),
	), localExecHandler(deps, log))

	s.AddTool(mcp.NewTool("local_resume",
		mcp.WithDescription("Resume a prior local task's conversation thread with a new instruction."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("The thread_id of the task to resume")),
		mcp.WithString("task", mcp.Required(), mcp.Description("The follow-up instruction")),
		mcp.WithString("mode", mcp.Description("Sandbox level (optional, inherits the parent's mode if omitted)")),
		mcp.WithBoolean("confirm", mcp.Description("Required true when mode is workspace-write or danger-full-access")),
	), localResumeHandler(deps, log))

	s.AddTool(mcp.NewTool("local_status",
		mcp.WithDescription("List local tasks, optionally filtered by working directory."),
		mcp.WithString("working_dir", mcp.Description("Filter to tasks with this working directory (optional)")),
	), localStatusHandler(deps, log))

	s.AddTool(mcp.NewTool("local_results",
		mcp.WithDescription("Fetch the full result of a local task, if it has reached a terminal state."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID to fetch results for")),
	), localResultsHandler(deps, log))

	s.AddTool(mcp.NewTool("local_wait",
		mcp.WithDescription("Block until a local task reaches a terminal state or a timeout elapses."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID to wait on")),
		mcp.WithNumber("timeout_sec", mcp.Required(), mcp.Description("Maximum seconds to wait")),
		mcp.WithNumber("poll_interval_sec", mcp.Description("Seconds between status checks (default 2)")),
	), localWaitHandler(deps, log))

	s.AddTool(mcp.NewTool("local_cancel",
		mcp.WithDescription("Cancel a running or pending local task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID to cancel")),
		mcp.WithString("reason", mcp.Description("Optional human-readable cancellation reason")),
	), localCancelHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_run",
		mcp.WithDescription("Run an agent task in the hosted cloud environment, optionally waiting for it to finish."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The instruction to give the agent")),
		mcp.WithString("mode", mcp.Required(), mcp.Description("Sandbox level: read-only, workspace-write, or danger-full-access")),
		mcp.WithString("environment_id", mcp.Required(), mcp.Description("The cloud environment to run in")),
		mcp.WithString("model", mcp.Description("Model identifier override (optional)")),
		mcp.WithBoolean("confirm", mcp.Description("Required true when mode is workspace-write or danger-full-access")),
		mcp.WithBoolean("async", mcp.Description("If true, return immediately instead of waiting for completion (default false)")),
	), cloudRunHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_exec",
		mcp.WithDescription("Start an agent task in the hosted cloud environment in the background; returns immediately with a task_id."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The instruction to give the agent")),
		mcp.WithString("mode", mcp.Required(), mcp.Description("Sandbox level: read-only, workspace-write, or danger-full-access")),
		mcp.WithString("environment_id", mcp.Required(), mcp.Description("The cloud environment to run in")),
		mcp.WithString("model", mcp.Description("Model identifier override (optional)")),
		mcp.WithBoolean("confirm", mcp.Description("Required true when mode is workspace-write or danger-full-access")),
	), cloudExecHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_resume",
		mcp.WithDescription("Resume a prior cloud task's conversation thread with a new instruction."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("The thread_id of the task to resume")),
		mcp.WithString("task", mcp.Required(), mcp.Description("The follow-up instruction")),
		mcp.WithString("environment_id", mcp.Required(), mcp.Description("The cloud environment to run in")),
		mcp.WithString("mode", mcp.Description("Sandbox level (optional, inherits the parent's mode if omitted)")),
		mcp.WithBoolean("confirm", mcp.Description("Required true when mode is workspace-write or danger-full-access")),
	), cloudResumeHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_status",
		mcp.WithDescription("List cloud tasks."),
	), cloudStatusHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_results",
		mcp.WithDescription("Fetch the full result of a cloud task, if it has reached a terminal state."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID to fetch results for")),
	), cloudResultsHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_wait",
		mcp.WithDescription("Block until a cloud task reaches a terminal state or a timeout elapses."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID to wait on")),
		mcp.WithNumber("timeout_sec", mcp.Required(), mcp.Description("Maximum seconds to wait")),
		mcp.WithNumber("poll_interval_sec", mcp.Description("Seconds between status checks (default 2)")),
	), cloudWaitHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_cancel",
		mcp.WithDescription("Cancel a running or pending cloud task. Best-effort if the hosted service has no cancel API."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID to cancel")),
		mcp.WithString("reason", mcp.Description("Optional human-readable cancellation reason")),
	), cloudCancelHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_list_environments",
		mcp.WithDescription("List the cloud environments available for cloud_run/cloud_exec."),
	), cloudListEnvironmentsHandler(deps, log))

	s.AddTool(mcp.NewTool("cloud_github_setup",
		mcp.WithDescription("Return setup instructions for connecting a GitHub repository to the hosted agent service."),
		mcp.WithString("repo_url", mcp.Required(), mcp.Description("The repository URL to connect")),
		mcp.WithString("stack", mcp.Description("Optional stack/runtime hint, e.g. 'go', 'node'")),
	), cloudGithubSetupHandler(deps, log))

	log.Info("registered MCP primitives", zap.Int("count", 16))
}

// --- local primitives ---

func localRunHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, mode, model, workingDir, confirm, async, verr := parseRunArgs(req)
		if verr != nil {
			return errResult(verr), nil
		}
		if err := validateRunArgs(instruction, mode, confirm, workingDir); err != nil {
			return errResult(err), nil
		}

		t, err := deps.LocalExecutor.Start(ctx, local.RunRequest{
			Instruction: instruction,
			Mode:        task.Mode(mode),
			Model:       model,
			WorkingDir:  workingDir,
		})
		if err != nil {
			log.Error("local_run failed to start", zap.Error(err))
			return errResult(err), nil
		}

		if async {
			return taskResult(t), nil
		}
		return awaitAndRespond(ctx, deps.Registry, t.ID, defaultSyncTimeout, defaultWaitPollInterval)
	}
}

func localExecHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, mode, model, workingDir, confirm, _, verr := parseRunArgs(req)
		if verr != nil {
			return errResult(verr), nil
		}
		if err := validateRunArgs(instruction, mode, confirm, workingDir); err != nil {
			return errResult(err), nil
		}

		t, err := deps.LocalExecutor.Start(ctx, local.RunRequest{
			Instruction: instruction,
			Mode:        task.Mode(mode),
			Model:       model,
			WorkingDir:  workingDir,
		})
		if err != nil {
			log.Error("local_exec failed to start", zap.Error(err))
			return errResult(err), nil
		}
		return taskResult(t), nil
	}
}

func localResumeHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		instruction, err := req.RequireString("task")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		mode := req.GetString("mode", "")
		confirm := req.GetBool("confirm", false)

		parent, err := findByThreadID(ctx, deps.Registry, task.OriginLocal, threadID)
		if err != nil {
			return errResult(err), nil
		}

		if mode == "" {
			mode = string(parent.Mode)
		}
		workingDir := parent.WorkingDir

		if err := validate.Task(instruction); err != nil {
			return errResult(err), nil
		}
		if err := validate.Mode(mode); err != nil {
			return errResult(err), nil
		}
		if err := validate.Confirm(mode, confirm); err != nil {
			return errResult(err), nil
		}

		t, err := deps.LocalExecutor.Start(ctx, local.RunRequest{
			Instruction: instruction,
			Mode:        task.Mode(mode),
			WorkingDir:  workingDir,
			ThreadID:    threadID,
		})
		if err != nil {
			log.Error("local_resume failed to start", zap.Error(err))
			return errResult(err), nil
		}
		return taskResult(t), nil
	}
}

func localStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workingDir := req.GetString("working_dir", "")
		if err := validate.WorkingDir(workingDir); err != nil {
			return errResult(err), nil
		}

		tasks, err := deps.Registry.Query(ctx, task.Query{Origin: task.OriginLocal, WorkingDir: workingDir})
		if err != nil {
			log.Error("local_status query failed", zap.Error(err))
			return errResult(opserr.Wrap(opserr.KindNotFound, "query local tasks", err)), nil
		}
		return jsonResult(summarize(tasks)), nil
	}
}

func localResultsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return resultsHandler(ctx, req, deps.Registry, log)
	}
}

func localWaitHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return waitHandler(ctx, req, deps.Registry)
	}
}

func localCancelHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		if err := validate.TaskID(id); err != nil {
			return errResult(err), nil
		}
		if err := deps.LocalExecutor.Cancel(ctx, id); err != nil {
			log.Warn("local_cancel failed", zap.String("task_id", id), zap.Error(err))
			return errResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"task_id":%q,"status":"canceled"}`, id)), nil
	}
}

// --- cloud primitives ---

func cloudRunHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, mode, model, envID, confirm, async, verr := parseCloudRunArgs(req)
		if verr != nil {
			return errResult(verr), nil
		}
		if err := validateCloudRunArgs(instruction, mode, confirm); err != nil {
			return errResult(err), nil
		}

		t, err := deps.CloudExecutor.Start(ctx, cloud.RunRequest{
			Instruction:   instruction,
			Mode:          task.Mode(mode),
			Model:         model,
			EnvironmentID: envID,
		})
		if err != nil {
			log.Error("cloud_run failed to start", zap.Error(err))
			return errResult(err), nil
		}

		if async {
			return taskResult(t), nil
		}
		return awaitAndRespond(ctx, deps.Registry, t.ID, defaultSyncTimeout, defaultWaitPollInterval)
	}
}

func cloudExecHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, mode, model, envID, confirm, _, verr := parseCloudRunArgs(req)
		if verr != nil {
			return errResult(verr), nil
		}
		if err := validateCloudRunArgs(instruction, mode, confirm); err != nil {
			return errResult(err), nil
		}

		t, err := deps.CloudExecutor.Start(ctx, cloud.RunRequest{
			Instruction:   instruction,
			Mode:          task.Mode(mode),
			Model:         model,
			EnvironmentID: envID,
		})
		if err != nil {
			log.Error("cloud_exec failed to start", zap.Error(err))
			return errResult(err), nil
		}
		return taskResult(t), nil
	}
}

func cloudResumeHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		instruction, err := req.RequireString("task")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		envID, err := req.RequireString("environment_id")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		mode := req.GetString("mode", "")
		confirm := req.GetBool("confirm", false)

		parent, err := findByThreadID(ctx, deps.Registry, task.OriginCloud, threadID)
		if err != nil {
			return errResult(err), nil
		}
		if mode == "" {
			mode = string(parent.Mode)
		}

		if err := validateCloudRunArgs(instruction, mode, confirm); err != nil {
			return errResult(err), nil
		}

		t, err := deps.CloudExecutor.Start(ctx, cloud.RunRequest{
			Instruction:   instruction,
			Mode:          task.Mode(mode),
			EnvironmentID: envID,
		})
		if err != nil {
			log.Error("cloud_resume failed to start", zap.Error(err))
			return errResult(err), nil
		}
		return taskResult(t), nil
	}
}

func cloudStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := deps.Registry.Query(ctx, task.Query{Origin: task.OriginCloud})
		if err != nil {
			log.Error("cloud_status query failed", zap.Error(err))
			return errResult(opserr.Wrap(opserr.KindNotFound, "query cloud tasks", err)), nil
		}
		return jsonResult(summarize(tasks)), nil
	}
}

func cloudResultsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return resultsHandler(ctx, req, deps.Registry, log)
	}
}

func cloudWaitHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return waitHandler(ctx, req, deps.Registry)
	}
}

func cloudCancelHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		if err := validate.TaskID(id); err != nil {
			return errResult(err), nil
		}
		confirmed, err := deps.CloudExecutor.Cancel(ctx, id)
		if err != nil {
			log.Warn("cloud_cancel failed", zap.String("task_id", id), zap.Error(err))
			return errResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			`{"task_id":%q,"status":"canceled","remote_confirmed":%t}`, id, confirmed,
		)), nil
	}
}

func cloudListEnvironmentsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(deps.Environments.List()), nil
	}
}

func cloudGithubSetupHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repoURL, err := req.RequireString("repo_url")
		if err != nil {
			return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
		}
		stack := req.GetString("stack", "")

		if err := validate.RepoURL(repoURL); err != nil {
			return errResult(err), nil
		}

		guide := fmt.Sprintf(
			"To connect %s to the hosted agent service:\n"+
				"1. Install the hosted agent GitHub App on the repository.\n"+
				"2. Grant read/write access to contents, pull requests, and checks.\n"+
				"3. Register the repository as a cloud environment (see cloud_list_environments once added).\n"+
				"4. Re-run cloud_list_environments to confirm it appears in the catalog.",
			repoURL,
		)
		if stack != "" {
			guide += fmt.Sprintf("\n\nDetected/declared stack: %s. Ensure the environment's build image matches.", stack)
		}
		return mcp.NewToolResultText(guide), nil
	}
}

// --- shared argument parsing/validation ---

func parseRunArgs(req mcp.CallToolRequest) (instruction, mode, model, workingDir string, confirm, async bool, err error) {
	instruction, err = req.RequireString("task")
	if err != nil {
		return "", "", "", "", false, false, opserr.New(opserr.KindValidation, err.Error())
	}
	mode, err = req.RequireString("mode")
	if err != nil {
		return "", "", "", "", false, false, opserr.New(opserr.KindValidation, err.Error())
	}
	model = req.GetString("model", "")
	workingDir = req.GetString("working_dir", "")
	confirm = req.GetBool("confirm", false)
	async = req.GetBool("async", false)
	return instruction, mode, model, workingDir, confirm, async, nil
}

func validateRunArgs(instruction, mode string, confirm bool, workingDir string) error {
	if err := validate.Task(instruction); err != nil {
		return err
	}
	if err := validate.Mode(mode); err != nil {
		return err
	}
	if err := validate.Confirm(mode, confirm); err != nil {
		return err
	}
	return validate.WorkingDir(workingDir)
}

func parseCloudRunArgs(req mcp.CallToolRequest) (instruction, mode, model, envID string, confirm, async bool, err error) {
	instruction, err = req.RequireString("task")
	if err != nil {
		return "", "", "", "", false, false, opserr.New(opserr.KindValidation, err.Error())
	}
	mode, err = req.RequireString("mode")
	if err != nil {
		return "", "", "", "", false, false, opserr.New(opserr.KindValidation, err.Error())
	}
	envID, err = req.RequireString("environment_id")
	if err != nil {
		return "", "", "", "", false, false, opserr.New(opserr.KindValidation, err.Error())
	}
	model = req.GetString("model", "")
	confirm = req.GetBool("confirm", false)
	async = req.GetBool("async", false)
	return instruction, mode, model, envID, confirm, async, nil
}

func validateCloudRunArgs(instruction, mode string, confirm bool) error {
	if err := validate.Task(instruction); err != nil {
		return err
	}
	if err := validate.Mode(mode); err != nil {
		return err
	}
	return validate.Confirm(mode, confirm)
}

// --- shared handler bodies ---

func resultsHandler(ctx context.Context, req mcp.CallToolRequest, registry task.Registry, log *logger.Logger) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
	}
	if err := validate.TaskID(id); err != nil {
		return errResult(err), nil
	}

	t, ok, err := registry.Get(ctx, id)
	if err != nil {
		log.Error("results lookup failed", zap.String("task_id", id), zap.Error(err))
		return errResult(opserr.Wrap(opserr.KindNotFound, "look up task", err)), nil
	}
	if !ok {
		return errResult(opserr.New(opserr.KindNotFound, "no such task: "+id)), nil
	}
	if !t.Status.Terminal() {
		return mcp.NewToolResultText(fmt.Sprintf(`{"task_id":%q,"status":%q,"terminal":false}`, t.ID, t.Status)), nil
	}
	return jsonResult(t.Result), nil
}

func waitHandler(ctx context.Context, req mcp.CallToolRequest, registry task.Registry) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
	}
	if err := validate.TaskID(id); err != nil {
		return errResult(err), nil
	}
	timeoutSec, err := req.RequireFloat("timeout_sec")
	if err != nil {
		return errResult(opserr.New(opserr.KindValidation, err.Error())), nil
	}
	pollSec := req.GetFloat("poll_interval_sec", defaultWaitPollInterval.Seconds())

	timeout := time.Duration(timeoutSec * float64(time.Second))
	poll := time.Duration(pollSec * float64(time.Second))
	if poll <= 0 {
		poll = defaultWaitPollInterval
	}

	return awaitAndRespond(ctx, registry, id, timeout, poll)
}

// awaitAndRespond polls the registry until id reaches a terminal state or
// timeout elapses. On timeout it returns a timeout error and never mutates
// the task, per §5's "wait... never mutates the task".
func awaitAndRespond(ctx context.Context, registry task.Registry, id string, timeout, poll time.Duration) (*mcp.CallToolResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		t, ok, err := registry.Get(ctx, id)
		if err != nil {
			return errResult(opserr.Wrap(opserr.KindNotFound, "look up task", err)), nil
		}
		if !ok {
			return errResult(opserr.New(opserr.KindNotFound, "no such task: "+id)), nil
		}
		if t.Status.Terminal() {
			return jsonResult(summarizeOne(t)), nil
		}
		if time.Now().After(deadline) {
			return errResult(opserr.New(opserr.KindTimeout, fmt.Sprintf("task %s did not reach a terminal state within the timeout", id))), nil
		}

		select {
		case <-ctx.Done():
			return errResult(opserr.Wrap(opserr.KindTimeout, "wait canceled", ctx.Err())), nil
		case <-time.After(poll):
		}
	}
}

func findByThreadID(ctx context.Context, registry task.Registry, origin task.Origin, threadID string) (*task.Task, error) {
	tasks, err := registry.Query(ctx, task.Query{Origin: origin})
	if err != nil {
		return nil, opserr.Wrap(opserr.KindNotFound, "query tasks for resume", err)
	}
	for _, t := range tasks {
		if t.ThreadID == threadID {
			return t, nil
		}
	}
	return nil, opserr.New(opserr.KindNotFound, "no task found with thread_id "+threadID)
}

// taskSummary is the shape returned by local_status/cloud_status.
type taskSummary struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Instruction string `json:"instruction"`
	WorkingDir  string `json:"working_dir,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func summarize(tasks []*task.Task) []taskSummary {
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarizeOne(t))
	}
	return out
}

func summarizeOne(t *task.Task) taskSummary {
	return taskSummary{
		TaskID:      t.ID,
		Status:      string(t.Status),
		Instruction: redact.Redact(t.Instruction),
		WorkingDir:  t.WorkingDir,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// --- response helpers ---

func taskResult(t *task.Task) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf(`{"task_id":%q,"status":%q}`, t.ID, t.Status))
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	body, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode response: %v", err))
	}
	return mcp.NewToolResultText(string(body))
}

func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(redact.Redact(err.Error()))
}
