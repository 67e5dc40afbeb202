package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/environments"
	"github.com/kandev/kandev/internal/executor/local"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/process"
	"github.com/kandev/kandev/internal/task"
)

func testManager() *process.Manager {
	return process.NewManager(2, time.Second)
}

// fakeRegistry is an in-memory task.Registry, mirroring the local package's
// own test fake.
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

func (r *fakeRegistry) Query(context.Context, task.Query) ([]*task.Task, error) { return nil, nil }

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

func testCatalog(t *testing.T) *environments.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "environments.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"env-1":{"name":"Main","repoUrl":"https://github.com/acme/widgets"}}`), 0o644))
	cat, err := environments.Load(path)
	require.NoError(t, err)
	return cat
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
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cloud task did not reach a terminal state in time")
	return nil
}

func TestExecutor_Start_RejectsUnknownEnvironment(t *testing.T) {
	reg := newFakeRegistry()
	cat := testCatalog(t)
	exec := NewExecutor(reg, cat, testManager(), "http://unused", "", 0, 0, testLogger())

	_, err := exec.Start(context.Background(), RunRequest{Instruction: "do it", Mode: task.ModeReadOnly, EnvironmentID: "no-such-env"})
	assert.True(t, opserr.Is(err, opserr.KindNotFound))
}

func TestExecutor_Start_SubmitsAndPollsToCompletion(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			_ = json.NewEncoder(w).Encode(remoteSubmission{RemoteID: "remote-1"})
		case r.Method == http.MethodGet:
			polls++
			status := "working"
			if polls >= 2 {
				status = "completed"
			}
			_ = json.NewEncoder(w).Encode(remoteStatus{Status: status, Summary: "did the thing"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cat := testCatalog(t)
	exec := NewExecutor(reg, cat, testManager(), srv.URL, "test-key", 5*time.Millisecond, 20*time.Millisecond, testLogger())

	tk, err := exec.Start(context.Background(), RunRequest{Instruction: "ship it", Mode: task.ModeReadOnly, EnvironmentID: "env-1"})
	require.NoError(t, err)

	final := awaitTerminal(t, reg, tk.ID)
	assert.Equal(t, task.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Cloud)
	assert.Equal(t, "did the thing", final.Result.Cloud.Summary)
}

func TestExecutor_Start_SubmissionFailureMarksTaskFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cat := testCatalog(t)
	exec := NewExecutor(reg, cat, testManager(), srv.URL, "", 5*time.Millisecond, 20*time.Millisecond, testLogger())

	tk, err := exec.Start(context.Background(), RunRequest{Instruction: "ship it", Mode: task.ModeReadOnly, EnvironmentID: "env-1"})
	require.NoError(t, err)

	final := awaitTerminal(t, reg, tk.ID)
	assert.Equal(t, task.StatusFailed, final.Status)
}

// TestExecutor_SharesConcurrencyBoundWithLocalExecutor proves the §3/§5
// invariant ("at most N tasks across both origins simultaneously working")
// holds across the local and cloud executors when they share one Manager:
// a cloud task that never reaches a terminal state holds the only slot in a
// capacity-1 Manager, so a concurrently started local task must stay
// pending until the cloud task's slot is released.
func TestExecutor_SharesConcurrencyBoundWithLocalExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			_ = json.NewEncoder(w).Encode(remoteSubmission{RemoteID: "remote-1"})
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(remoteStatus{Status: "working"}) // never terminal
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cat := testCatalog(t)
	mgr := process.NewManager(1, time.Second)

	cloudExec := NewExecutor(reg, cat, mgr, srv.URL, "", 5*time.Millisecond, 10*time.Millisecond, testLogger())
	cloudTask, err := cloudExec.Start(context.Background(), RunRequest{Instruction: "ship it", Mode: task.ModeReadOnly, EnvironmentID: "env-1"})
	require.NoError(t, err)

	// Give the cloud task time to submit and acquire the lone slot.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := reg.Get(context.Background(), cloudTask.ID)
		require.NoError(t, err)
		require.True(t, ok)
		if got.Status == task.StatusWorking {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	localExec := local.NewExecutor(reg, mgr, "sh", testLogger())
	localTask, err := localExec.Start(context.Background(), local.RunRequest{Instruction: "irrelevant", Mode: task.ModeReadOnly})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, ok, err := reg.Get(context.Background(), localTask.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusPending, got.Status, "local task must not start working while the cloud task holds the only concurrency slot")

	_, err = cloudExec.Cancel(context.Background(), cloudTask.ID)
	require.NoError(t, err)

	final := awaitTerminal(t, reg, localTask.ID)
	assert.Contains(t, []task.Status{task.StatusCompleted, task.StatusFailed}, final.Status)
}

func TestExecutor_ResolveOrphan_NoRemoteIDFailsImmediately(t *testing.T) {
	reg := newFakeRegistry()
	cat := testCatalog(t)
	exec := NewExecutor(reg, cat, testManager(), "http://unused", "", 0, 0, testLogger())

	orphan := task.NewTask(task.OriginCloud, "do it", task.ModeReadOnly)
	orphan.Status = task.StatusWorking

	resolved, err := exec.ResolveOrphan(orphan)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, task.StatusFailed, resolved.Status)
	assert.Equal(t, "orphaned by restart", resolved.Error)
}

func TestExecutor_ResolveOrphan_WithRemoteIDResumesPolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(remoteStatus{Status: "completed", Summary: "resumed and finished"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cat := testCatalog(t)
	exec := NewExecutor(reg, cat, testManager(), srv.URL, "", 5*time.Millisecond, 10*time.Millisecond, testLogger())

	orphan := task.NewTask(task.OriginCloud, "do it", task.ModeReadOnly)
	orphan.Status = task.StatusWorking
	orphan.RemoteID = "remote-resumed"
	require.NoError(t, reg.Create(context.Background(), orphan))

	resolved, err := exec.ResolveOrphan(orphan)
	require.NoError(t, err)
	assert.Nil(t, resolved, "a task with a persisted RemoteID is left as-is while polling resumes in the background")

	final := awaitTerminal(t, reg, orphan.ID)
	assert.Equal(t, task.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Cloud)
	assert.Equal(t, "resumed and finished", final.Result.Cloud.Summary)
}

func TestExecutor_Cancel_BestEffortWhenRemoteHasNoCancelAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			_ = json.NewEncoder(w).Encode(remoteSubmission{RemoteID: "remote-9"})
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(remoteStatus{Status: "working"})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNotFound) // no cancel API
		}
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cat := testCatalog(t)
	exec := NewExecutor(reg, cat, testManager(), srv.URL, "", 5*time.Millisecond, 20*time.Millisecond, testLogger())

	tk, err := exec.Start(context.Background(), RunRequest{Instruction: "ship it", Mode: task.ModeReadOnly, EnvironmentID: "env-1"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let submit register the remote ID
	confirmed, err := exec.Cancel(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.False(t, confirmed)

	got, ok, err := reg.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusCanceled, got.Status)
}
