// Package local drives locally-spawned agent subprocesses through the task
// lifecycle: admission, live progress persistence, and terminal-status
// resolution. Grounded on the teacher's scheduler admission loop
// (internal/orchestrator/scheduler/scheduler.go's processLoop/processTasks),
// adapted from a ticker-driven queue of many tasks into one goroutine per
// invocation, gated by the Process Manager's semaphore instead of a
// capacity counter polled on a ticker.
package local

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/process"
	"github.com/kandev/kandev/internal/progress"
	"github.com/kandev/kandev/internal/redact"
	"github.com/kandev/kandev/internal/task"
	"github.com/kandev/kandev/pkg/agentcli"
)

// progressFlushInterval bounds how long a live ProgressSnapshot can lag
// behind the true event stream when events arrive slowly, per §4.5 ("every
// K events or every 500ms, whichever first").
const progressFlushInterval = 500 * time.Millisecond

// progressFlushEvents is the K in the rule above.
const progressFlushEvents = 5

// RunRequest describes one local_run/local_exec/local_resume invocation.
type RunRequest struct {
	Instruction string
	Mode        task.Mode
	Model       string
	WorkingDir  string
	// ThreadID, when set, requests resume semantics: the new task shares
	// the prior conversation's thread instead of starting a fresh one.
	ThreadID string
}

// Executor starts and supervises local agent subprocesses.
type Executor struct {
	registry   task.Registry
	manager    *process.Manager
	executable string
	log        *logger.Logger

	mu      sync.Mutex
	running map[string]*process.Handle // task ID -> live handle, for Cancel
}

// NewExecutor builds a local Executor. executable is the agent CLI binary
// invoked for every task (e.g. "codex").
func NewExecutor(registry task.Registry, manager *process.Manager, executable string, log *logger.Logger) *Executor {
	return &Executor{
		registry:   registry,
		manager:    manager,
		executable: executable,
		log:        log.WithFields(zap.String("component", "local_executor")),
		running:    make(map[string]*process.Handle),
	}
}

// Start creates a pending task for req, persists it, and launches the
// background run loop. It returns immediately with the pending task —
// per §4.5, primitive callers never block on agent output here.
func (e *Executor) Start(ctx context.Context, req RunRequest) (*task.Task, error) {
	t := task.NewTask(task.OriginLocal, req.Instruction, req.Mode)
	t.Model = req.Model
	t.WorkingDir = req.WorkingDir
	t.ThreadID = req.ThreadID

	if err := e.registry.Create(ctx, t); err != nil {
		return nil, err
	}

	go e.run(t, req)

	return t, nil
}

// Cancel requests cancellation of the running task's subprocess. It is a
// no-op (other than the registry transition) if the task is not currently
// running in this process, e.g. after a restart.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	h, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		e.manager.Cancel(h)
		return nil
	}

	_, err := e.registry.Update(ctx, id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return opserr.New(opserr.KindValidation, "task is already terminal")
		}
		t.Status = task.StatusCanceled
		t.Error = "canceled"
		t.MarkTerminal()
		return nil
	})
	return err
}

func (e *Executor) run(t *task.Task, req RunRequest) {
	ctx := context.Background()
	log := e.log.WithTaskID(t.ID)

	release, err := e.manager.Acquire(ctx)
	if err != nil {
		e.fail(ctx, t, opserr.Wrap(opserr.KindSpawn, "acquire concurrency slot", err))
		return
	}
	defer release()

	if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
		cur.Status = task.StatusWorking
		return nil
	}); err != nil {
		log.Error("failed to mark task working", zap.Error(err))
		return
	}

	h, err := e.manager.Spawn(process.SpawnRequest{
		Argv: buildArgv(e.executable, t, req),
		Cwd:  req.WorkingDir,
	})
	if err != nil {
		e.fail(ctx, t, err)
		return
	}

	e.mu.Lock()
	e.running[t.ID] = h
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, t.ID)
		e.mu.Unlock()
	}()

	events, threadID := e.stream(ctx, t, h, log)

	exit := h.Exit()
	e.finish(ctx, t, h, events, threadID, exit)
}

// stream drains the handle's event queue, persisting a live progress
// snapshot every K events or 500ms, and returns the full event list plus
// any thread_id seen along the way.
func (e *Executor) stream(ctx context.Context, t *task.Task, h *process.Handle, log *logger.Logger) ([]agentcli.Event, string) {
	var events []agentcli.Event
	var threadID string
	unflushed := 0
	lastFlush := time.Now()

	flush := func() {
		snap := progress.Infer(events)
		if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
			cur.ProgressSnapshot = snap
			return nil
		}); err != nil {
			log.Warn("failed to persist progress snapshot", zap.Error(err))
		}
		unflushed = 0
		lastFlush = time.Now()
	}

	for {
		ev, ok := h.NextEvent()
		if !ok {
			break
		}
		if ev.Type == agentcli.EventThreadStarted {
			var d agentcli.ThreadStartedData
			if json.Unmarshal(ev.Data, &d) == nil {
				threadID = d.ThreadID
			}
		}
		events = append(events, ev)
		unflushed++
		if unflushed >= progressFlushEvents || time.Since(lastFlush) >= progressFlushInterval {
			flush()
		}
	}
	flush()

	return events, threadID
}

func (e *Executor) finish(ctx context.Context, t *task.Task, h *process.Handle, events []agentcli.Event, threadID string, exit process.ExitResult) {
	status := task.StatusCompleted
	success := exit.ExitCode == 0

	if h.WasCanceled() {
		status = task.StatusCanceled
	} else if exit.Err != nil || exit.ExitCode != 0 {
		status = task.StatusFailed
	}

	result := &task.LocalResult{
		Success:  success,
		ExitCode: exit.ExitCode,
		Signal:   exit.Signal,
		Stdout:   h.Stdout(),
		Stderr:   h.Stderr(),
		Events:   serializeEvents(events),
		ThreadID: threadID,
	}

	errMsg := ""
	if exit.Err != nil {
		errMsg = redact.Redact(exit.Err.Error())
	}

	if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
		cur.Status = status
		cur.Result = &task.Result{Local: result}
		cur.Error = errMsg
		cur.ThreadID = threadID
		cur.MarkTerminal()
		return nil
	}); err != nil {
		e.log.WithTaskID(t.ID).Error("failed to persist terminal result", zap.Error(err))
	}
}

func (e *Executor) fail(ctx context.Context, t *task.Task, cause error) {
	if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
		cur.Status = task.StatusFailed
		cur.Error = redact.Redact(cause.Error())
		cur.MarkTerminal()
		return nil
	}); err != nil {
		e.log.WithTaskID(t.ID).Error("failed to persist spawn failure", zap.Error(err))
	}
}

// buildArgv constructs the agent CLI invocation for a task. Sandbox-level
// and resume flags are passed as discrete arguments rather than shell
// interpolation, mirroring the teacher's own PrepareCommandArgs approach of
// building a flag slice instead of a command string.
func buildArgv(executable string, t *task.Task, req RunRequest) []string {
	argv := []string{executable, "exec", "--json"}

	switch t.Mode {
	case task.ModeReadOnly:
		argv = append(argv, "--sandbox", "read-only")
	case task.ModeWorkspaceWrite:
		argv = append(argv, "--sandbox", "workspace-write")
	case task.ModeDangerFullAccess:
		argv = append(argv, "--sandbox", "danger-full-access")
	}

	if t.Model != "" {
		argv = append(argv, "--model", t.Model)
	}
	if req.ThreadID != "" {
		argv = append(argv, "resume", req.ThreadID)
	}

	argv = append(argv, t.Instruction)
	return argv
}

// serializeEvents captures each event's full type+data payload, redacted,
// rather than just its type name, so the persisted Result can reconstruct
// the full event stream per §3's {stdout, events:[…]} shape.
func serializeEvents(events []agentcli.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		out = append(out, redact.Redact(string(data)))
	}
	return out
}
