// Package cloud drives tasks submitted to a hosted agent service: the same
// Task lifecycle as the local executor, but "admission" is an HTTP
// submission and progress comes from backoff polling instead of a piped
// subprocess. Grounded on the teacher's own MCP tool handlers
// (internal/mcpserver/tools.go), which call the teacher's backend over
// plain net/http with JSON bodies rather than a generated client — the
// Cloud Executor's httpCloudClient follows that same idiom.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/environments"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/process"
	"github.com/kandev/kandev/internal/redact"
	"github.com/kandev/kandev/internal/task"
)

// pollIntervalMin/Max bound the exponential backoff between status polls,
// per §4.6 ("exponential backoff from 2s to 30s").
const (
	defaultPollIntervalMin = 2 * time.Second
	defaultPollIntervalMax = 30 * time.Second
)

// RunRequest describes one cloud_run/cloud_exec invocation.
type RunRequest struct {
	Instruction   string
	Mode          task.Mode
	Model         string
	EnvironmentID string
}

// remoteSubmission is the hosted service's response to a task submission.
type remoteSubmission struct {
	RemoteID string `json:"remote_id"`
}

// remoteStatus is the hosted service's response to a status poll.
type remoteStatus struct {
	Status    string             `json:"status"` // pending|working|completed|failed|canceled
	TaskURL   string             `json:"task_url,omitempty"`
	Summary   string             `json:"summary,omitempty"`
	Diff      string             `json:"diff,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Progress  *task.ProgressSnapshot `json:"progress,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Executor submits and polls tasks against a hosted agent service.
type Executor struct {
	registry    task.Registry
	envs        *environments.Catalog
	manager     *process.Manager
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	pollMin     time.Duration
	pollMax     time.Duration
	log         *logger.Logger

	mu      sync.Mutex
	remotes map[string]string // task ID -> remote ID
}

// NewExecutor builds a cloud Executor. pollMin/pollMax of zero fall back to
// the spec's 2s/30s defaults. manager is the same Process Manager the local
// executor uses, so that the working-state concurrency ceiling (§3, §5) is
// shared across both origins rather than bounding each independently.
func NewExecutor(registry task.Registry, envs *environments.Catalog, manager *process.Manager, baseURL, apiKey string, pollMin, pollMax time.Duration, log *logger.Logger) *Executor {
	if pollMin <= 0 {
		pollMin = defaultPollIntervalMin
	}
	if pollMax <= 0 {
		pollMax = defaultPollIntervalMax
	}
	return &Executor{
		registry:   registry,
		envs:       envs,
		manager:    manager,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		pollMin:    pollMin,
		pollMax:    pollMax,
		log:        log.WithFields(zap.String("component", "cloud_executor")),
		remotes:    make(map[string]string),
	}
}

// Start creates a pending cloud task, submits it to the hosted service, and
// launches the background poll loop. Returns immediately with the pending
// task, matching the local executor's non-blocking contract.
func (e *Executor) Start(ctx context.Context, req RunRequest) (*task.Task, error) {
	if _, ok := e.envs.Get(req.EnvironmentID); !ok {
		return nil, opserr.New(opserr.KindNotFound, fmt.Sprintf("environment %q not found", req.EnvironmentID))
	}

	t := task.NewTask(task.OriginCloud, req.Instruction, req.Mode)
	t.Model = req.Model
	t.EnvironmentID = req.EnvironmentID

	if err := e.registry.Create(ctx, t); err != nil {
		return nil, err
	}

	go e.run(t, req)

	return t, nil
}

// Cancel issues a best-effort remote cancel request. If the hosted service
// has no cancel API (signaled by a 404/405 from the cancel endpoint) the
// task is still marked canceled locally, and that limitation is surfaced to
// the caller via the returned bool.
func (e *Executor) Cancel(ctx context.Context, id string) (remoteConfirmed bool, err error) {
	e.mu.Lock()
	remoteID, ok := e.remotes[id]
	e.mu.Unlock()

	if ok {
		remoteConfirmed = e.remoteCancel(ctx, remoteID)
	}

	_, err = e.registry.Update(ctx, id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return opserr.New(opserr.KindValidation, "task is already terminal")
		}
		t.Status = task.StatusCanceled
		t.Error = "canceled"
		t.MarkTerminal()
		return nil
	})
	return remoteConfirmed, err
}

func (e *Executor) run(t *task.Task, req RunRequest) {
	ctx := context.Background()
	log := e.log.WithTaskID(t.ID)

	remoteID, err := e.submit(ctx, t, req)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}

	// Acquire the cross-origin concurrency slot immediately before the
	// pending->working transition, mirroring the local executor's
	// admission point, so at most CODEX_MAX_CONCURRENCY tasks are
	// "working" across both origins at once (§3, §5).
	release, err := e.manager.Acquire(ctx)
	if err != nil {
		e.fail(ctx, t, opserr.Wrap(opserr.KindSpawn, "acquire concurrency slot", err))
		return
	}
	defer release()

	e.mu.Lock()
	e.remotes[t.ID] = remoteID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.remotes, t.ID)
		e.mu.Unlock()
	}()

	if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
		cur.Status = task.StatusWorking
		cur.RemoteID = remoteID
		return nil
	}); err != nil {
		log.Error("failed to mark cloud task working", zap.Error(err))
		return
	}

	e.poll(ctx, t, remoteID, log)
}

// ResolveOrphan is the Reconcile callback for cloud-origin tasks left
// non-terminal by a prior process. Unlike the local executor, a cloud task
// may still be running on the hosted service's side across the
// orchestrator's own restart, so this re-queries true status via the
// persisted RemoteID instead of assuming failure, per §4.1/§4.6. A task
// with no RemoteID never finished submitting and has nothing to re-query.
func (e *Executor) ResolveOrphan(t *task.Task) (*task.Task, error) {
	if t.RemoteID == "" {
		t.Status = task.StatusFailed
		t.Error = "orphaned by restart"
		t.MarkTerminal()
		return t, nil
	}
	cp := *t
	go e.resume(&cp)
	return nil, nil
}

// resume re-attaches the poll loop to a task that was already working
// before a restart, using its persisted remote ID instead of submitting anew.
func (e *Executor) resume(t *task.Task) {
	ctx := context.Background()
	log := e.log.WithTaskID(t.ID)

	release, err := e.manager.Acquire(ctx)
	if err != nil {
		e.fail(ctx, t, opserr.Wrap(opserr.KindSpawn, "acquire concurrency slot", err))
		return
	}
	defer release()

	e.mu.Lock()
	e.remotes[t.ID] = t.RemoteID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.remotes, t.ID)
		e.mu.Unlock()
	}()

	e.poll(ctx, t, t.RemoteID, log)
}

// submit posts the task to the hosted service and returns its remote ID.
func (e *Executor) submit(ctx context.Context, t *task.Task, req RunRequest) (string, error) {
	env, _ := e.envs.Get(req.EnvironmentID)

	payload := map[string]interface{}{
		"instruction":  req.Instruction,
		"mode":         string(req.Mode),
		"model":        req.Model,
		"repo_url":     env.RepoURL,
		"stack":        env.Stack,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", opserr.Wrap(opserr.KindRemoteAPI, "encode task submission", err)
	}

	var sub remoteSubmission
	if err := e.doJSON(ctx, http.MethodPost, "/api/v1/tasks", body, &sub); err != nil {
		return "", err
	}
	return sub.RemoteID, nil
}

// poll repeatedly queries the hosted service for status until the task
// reaches a terminal state, backing off exponentially between attempts.
func (e *Executor) poll(ctx context.Context, t *task.Task, remoteID string, log *logger.Logger) {
	interval := e.pollMin
	for {
		time.Sleep(interval)

		if cur, ok, err := e.registry.Get(ctx, t.ID); err == nil && ok && cur.Status.Terminal() {
			// Canceled locally (Executor.Cancel) while this poll slept;
			// the terminal transition already happened there.
			return
		}

		var st remoteStatus
		if err := e.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+remoteID, nil, &st); err != nil {
			log.Warn("cloud status poll failed, retrying with backoff", zap.Error(err))
			interval = nextBackoff(interval, e.pollMax)
			continue
		}

		if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
			if st.Progress != nil {
				cur.ProgressSnapshot = st.Progress
			}
			return nil
		}); err != nil {
			log.Warn("failed to persist cloud progress snapshot", zap.Error(err))
		}

		status := task.Status(st.Status)
		if status.Terminal() {
			e.finish(ctx, t, status, st)
			return
		}

		interval = nextBackoff(interval, e.pollMax)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (e *Executor) finish(ctx context.Context, t *task.Task, status task.Status, st remoteStatus) {
	result := &task.CloudResult{
		Success:   status == task.StatusCompleted,
		TaskURL:   st.TaskURL,
		Summary:   redact.Redact(st.Summary),
		Diff:      redact.Redact(st.Diff),
		Artifacts: st.Artifacts,
	}

	if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
		cur.Status = status
		cur.Result = &task.Result{Cloud: result}
		cur.Error = redact.Redact(st.Error)
		cur.MarkTerminal()
		return nil
	}); err != nil {
		e.log.WithTaskID(t.ID).Error("failed to persist terminal cloud result", zap.Error(err))
	}
}

func (e *Executor) fail(ctx context.Context, t *task.Task, cause error) {
	if _, err := e.registry.Update(ctx, t.ID, func(cur *task.Task) error {
		cur.Status = task.StatusFailed
		cur.Error = redact.Redact(cause.Error())
		cur.MarkTerminal()
		return nil
	}); err != nil {
		e.log.WithTaskID(t.ID).Error("failed to persist cloud submission failure", zap.Error(err))
	}
}

// remoteCancel issues a best-effort cancel request; returns whether the
// hosted service confirmed it, per §4.6.
func (e *Executor) remoteCancel(ctx context.Context, remoteID string) bool {
	var ack struct{}
	err := e.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+remoteID+"/cancel", nil, &ack)
	return err == nil
}

// doJSON performs one authenticated JSON request against the hosted
// service, mirroring the teacher's tool handlers: http.NewRequestWithContext
// plus http.Client.Do, no client SDK.
func (e *Executor) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return opserr.Wrap(opserr.KindRemoteAPI, "build cloud request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return opserr.Wrap(opserr.KindRemoteAPI, "call hosted agent service", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return opserr.New(opserr.KindRemoteAPI, fmt.Sprintf("hosted agent service returned %d: %s", resp.StatusCode, redact.Redact(string(data))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return opserr.Wrap(opserr.KindRemoteAPI, "decode hosted agent service response", err)
	}
	return nil
}
