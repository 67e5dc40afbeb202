package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/task"
)

// fakeRegistry is an in-memory task.Registry, mirroring the executor
// packages' own test fakes.
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

func (r *fakeRegistry) Query(_ context.Context, q task.Query) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*task.Task
	for _, t := range r.tasks {
		if q.Origin != "" && t.Origin != q.Origin {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
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
	cp := *t
	return &cp, nil
}

func (r *fakeRegistry) Evict(context.Context, string) error { return nil }

func (r *fakeRegistry) Reconcile(context.Context, task.Origin, func(*task.Task) (*task.Task, error)) error {
	return nil
}

func (r *fakeRegistry) Close() error { return nil }

func (r *fakeRegistry) setStatus(id string, status task.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.Status = status
	}
}

func TestValidateRunArgs_RejectsMutationWithoutConfirm(t *testing.T) {
	err := validateRunArgs("do it", "workspace-write", false, "")
	assert.True(t, opserr.Is(err, opserr.KindValidation))
}

func TestValidateRunArgs_AcceptsReadOnlyWithoutConfirm(t *testing.T) {
	assert.NoError(t, validateRunArgs("do it", "read-only", false, ""))
}

func TestValidateCloudRunArgs_RejectsEmptyTask(t *testing.T) {
	err := validateCloudRunArgs("", "read-only", false)
	assert.True(t, opserr.Is(err, opserr.KindValidation))
}

func TestAwaitAndRespond_ReturnsOnTerminal(t *testing.T) {
	reg := newFakeRegistry()
	tk := task.NewTask(task.OriginLocal, "say hello", task.ModeReadOnly)
	tk.Status = task.StatusWorking
	require.NoError(t, reg.Create(context.Background(), tk))

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.setStatus(tk.ID, task.StatusCompleted)
	}()

	result, err := awaitAndRespond(context.Background(), reg, tk.ID, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
}

func TestAwaitAndRespond_TimesOutWithoutMutatingTask(t *testing.T) {
	reg := newFakeRegistry()
	tk := task.NewTask(task.OriginLocal, "say hello", task.ModeReadOnly)
	tk.Status = task.StatusWorking
	require.NoError(t, reg.Create(context.Background(), tk))

	result, err := awaitAndRespond(context.Background(), reg, tk.ID, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsError)

	got, ok, err := reg.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusWorking, got.Status)
}

func TestFindByThreadID_ReturnsMatchingParent(t *testing.T) {
	reg := newFakeRegistry()
	parent := task.NewTask(task.OriginLocal, "say hello", task.ModeReadOnly)
	parent.ThreadID = "thread-123"
	require.NoError(t, reg.Create(context.Background(), parent))

	got, err := findByThreadID(context.Background(), reg, task.OriginLocal, "thread-123")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, got.ID)
}

func TestFindByThreadID_NotFound(t *testing.T) {
	reg := newFakeRegistry()
	_, err := findByThreadID(context.Background(), reg, task.OriginLocal, "no-such-thread")
	assert.True(t, opserr.Is(err, opserr.KindNotFound))
}

func TestSummarize_RedactsInstruction(t *testing.T) {
	tk := task.NewTask(task.OriginLocal, "use sk-ant-REDACTED for auth", task.ModeReadOnly)
	summary := summarizeOne(tk)
	assert.NotContains(t, summary.Instruction, "sk-ant-REDACTED")
}

func TestJSONResult_EncodesValue(t *testing.T) {
	result := jsonResult(map[string]string{"hello": "world"})
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
}

func TestErrResult_RedactsMessage(t *testing.T) {
	result := errResult(opserr.New(opserr.KindValidation, "leaked sk-ant-REDACTED in message"))
	require.Len(t, result.Content, 1)
	assert.True(t, result.IsError)
}
