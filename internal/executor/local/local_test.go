package local

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/process"
	"github.com/kandev/kandev/internal/task"
	"github.com/kandev/kandev/pkg/agentcli"
)

// fakeRegistry is an in-memory task.Registry for testing, mirroring the
// scheduler package's own in-memory test repository shape.
type fakeRegistry struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tasks: make(map[string]*task.Task)}
}

func (r *fakeRegistry) Create(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return opserr.New(opserr.KindValidation, "task already exists")
	}
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *fakeRegistry) Get(_ context.Context, id string) (*task.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (r *fakeRegistry) Query(context.Context, task.Query) ([]*task.Task, error) {
	return nil, nil
}

func (r *fakeRegistry) Update(_ context.Context, id string, patch func(*task.Task) error) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, opserr.New(opserr.KindNotFound, "task not found")
	}
	if err := patch(t); err != nil {
		return nil, err
	}
	t.Touch()
	cp := *t
	return &cp, nil
}

func (r *fakeRegistry) Evict(context.Context, string) error { return nil }

func (r *fakeRegistry) Reconcile(context.Context, task.Origin, func(*task.Task) (*task.Task, error)) error {
	return nil
}

func (r *fakeRegistry) Close() error { return nil }

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func awaitTerminal(t *testing.T, reg *fakeRegistry, id string) *task.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := reg.Get(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
		if got.Status.Terminal() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return nil
}

func TestExecutor_Cancel_MarksNonRunningTaskCanceled(t *testing.T) {
	reg := newFakeRegistry()
	mgr := process.NewManager(2, 5*time.Second)
	exec := NewExecutor(reg, mgr, "true", testLogger())

	pending := task.NewTask(task.OriginLocal, "say hi", task.ModeReadOnly)
	require.NoError(t, reg.Create(context.Background(), pending))

	require.NoError(t, exec.Cancel(context.Background(), pending.ID))

	got, ok, err := reg.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusCanceled, got.Status)
}

func TestExecutor_Cancel_RejectsAlreadyTerminalTask(t *testing.T) {
	reg := newFakeRegistry()
	mgr := process.NewManager(2, 5*time.Second)
	exec := NewExecutor(reg, mgr, "true", testLogger())

	done := task.NewTask(task.OriginLocal, "say hi", task.ModeReadOnly)
	done.Status = task.StatusCompleted
	done.MarkTerminal()
	require.NoError(t, reg.Create(context.Background(), done))

	err := exec.Cancel(context.Background(), done.ID)
	assert.True(t, opserr.Is(err, opserr.KindValidation))
}

func TestBuildArgv_IncludesSandboxModelAndResume(t *testing.T) {
	tk := task.NewTask(task.OriginLocal, "fix the bug", task.ModeWorkspaceWrite)
	tk.Model = "gpt-5-codex"

	argv := buildArgv("codex", tk, RunRequest{ThreadID: "th-123"})

	assert.Contains(t, argv, "--sandbox")
	assert.Contains(t, argv, "workspace-write")
	assert.Contains(t, argv, "--model")
	assert.Contains(t, argv, "gpt-5-codex")
	assert.Contains(t, argv, "resume")
	assert.Contains(t, argv, "th-123")
	assert.Equal(t, "fix the bug", argv[len(argv)-1])
}

func TestSerializeEvents_PreservesTypeAndData(t *testing.T) {
	events := []agentcli.Event{
		{Type: agentcli.EventThreadStarted, Data: json.RawMessage(`{"thread_id":"th-1"}`)},
		{Type: "item.completed", Data: json.RawMessage(`{"summary":"done"}`)},
	}

	out := serializeEvents(events)
	require.Len(t, out, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out[0]), &first))
	assert.Equal(t, agentcli.EventThreadStarted, first["type"])
	assert.Equal(t, map[string]interface{}{"thread_id": "th-1"}, first["data"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out[1]), &second))
	assert.Equal(t, "item.completed", second["type"])
	assert.Equal(t, map[string]interface{}{"summary": "done"}, second["data"])
}

func TestExecutor_Start_EndToEndWithShellAgent(t *testing.T) {
	reg := newFakeRegistry()
	mgr := process.NewManager(2, 5*time.Second)
	// "exec" invocation style appends --json/--sandbox/etc before the final
	// instruction argument; sh -c ignores all but the script text, so we
	// drive this through a wrapper script on PATH-independent sh -c.
	exec := NewExecutor(reg, mgr, "sh", testLogger())

	req := RunRequest{Instruction: "irrelevant", Mode: task.ModeReadOnly}
	t2, err := exec.Start(context.Background(), req)
	require.NoError(t, err)

	final := awaitTerminal(t, reg, t2.ID)
	// sh invoked with unrecognized flags as positional args exits nonzero,
	// which still proves the full pending->working->terminal loop runs.
	assert.Contains(t, []task.Status{task.StatusCompleted, task.StatusFailed}, final.Status)
	assert.NotNil(t, final.Result)
	assert.NotNil(t, final.Result.Local)
}
