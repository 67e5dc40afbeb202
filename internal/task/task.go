// Package task defines the Task entity, its lifecycle, and the Registry
// collaborator that durably stores it. See sqlite for the storage-backed
// implementation.
package task

import "time"

// Origin identifies which executor owns a task.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginCloud Origin = "cloud"
)

// Status is a task's position in the lifecycle state machine.
//
//	pending --admit--> working --complete--> completed
//	                       |---fail--------> failed
//	                       |---cancel------> canceled
//	pending --reject(validation)-----------> failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether a status cannot transition further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the only allowed (from, to) status moves.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusWorking:  true,
		StatusFailed:   true, // validation/spawn rejection before admission
		StatusCanceled: true,
	},
	StatusWorking: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return validTransitions[from][to]
}

// Mode is the agent sandbox permission level.
type Mode string

const (
	ModeReadOnly         Mode = "read-only"
	ModeWorkspaceWrite   Mode = "workspace-write"
	ModeDangerFullAccess Mode = "danger-full-access"
)

// RequiresConfirmation reports whether a mode requires an explicit confirm flag.
func (m Mode) RequiresConfirmation() bool {
	return m == ModeWorkspaceWrite || m == ModeDangerFullAccess
}

// Step is one entry in a ProgressSnapshot's step list.
type Step struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ProgressSnapshot is the last computed progress view for a task, folded
// from its event stream by the progress package. It is advisory: always
// re-derivable from the stored event log, never authoritative on its own.
type ProgressSnapshot struct {
	CurrentAction      string `json:"current_action"`
	TotalSteps         int    `json:"total_steps"`
	CompletedSteps     int    `json:"completed_steps"`
	ProgressPercentage int    `json:"progress_percentage"`
	FilesChanged       int    `json:"files_changed"`
	CommandsExecuted   int    `json:"commands_executed"`
	Steps              []Step `json:"steps"`
	IsComplete         bool   `json:"is_complete"`
	HasFailed          bool   `json:"has_failed"`
}

// Usage reports token accounting for a local agent run, when the agent
// reports it.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// LocalResult is the terminal outcome of a local task.
type LocalResult struct {
	Success  bool     `json:"success"`
	ExitCode int      `json:"exit_code"`
	Signal   string   `json:"signal,omitempty"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Events   []string `json:"events"`
	ThreadID string   `json:"thread_id,omitempty"`
	Usage    *Usage   `json:"usage,omitempty"`
}

// CloudResult is the terminal outcome of a cloud task.
type CloudResult struct {
	Success   bool     `json:"success"`
	TaskURL   string   `json:"task_url,omitempty"`
	Summary   string   `json:"summary"`
	Diff      string   `json:"diff,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Result wraps whichever of LocalResult/CloudResult applies to a task's origin.
type Result struct {
	Local *LocalResult `json:"local,omitempty"`
	Cloud *CloudResult `json:"cloud,omitempty"`
}

// Task is the central entity: one orchestrated unit of agent work.
type Task struct {
	ID          string `json:"id"`
	Origin      Origin `json:"origin"`
	Status      Status `json:"status"`
	Instruction string `json:"instruction"`
	WorkingDir  string `json:"working_dir,omitempty"`
	Mode        Mode   `json:"mode"`
	Model       string `json:"model,omitempty"`

	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`

	ThreadID      string `json:"thread_id,omitempty"`
	EnvironmentID string `json:"environment_id,omitempty"`
	// RemoteID is the hosted agent service's own identifier for a cloud
	// task, persisted so Reconcile can resume polling after a restart
	// instead of treating the task as unrecoverable (§4.6).
	RemoteID string `json:"remote_id,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	ProgressSnapshot *ProgressSnapshot `json:"progress_snapshot,omitempty"`
}

// nowMillis returns the current time as milliseconds since the Unix epoch.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Touch stamps UpdatedAt with the current time.
func (t *Task) Touch() {
	t.UpdatedAt = nowMillis()
}

// MarkTerminal stamps CompletedAt if not already set.
func (t *Task) MarkTerminal() {
	if t.CompletedAt == 0 {
		t.CompletedAt = nowMillis()
	}
}

// NewTask constructs a pending task with fresh timestamps and a generated ID.
func NewTask(origin Origin, instruction string, mode Mode) *Task {
	now := nowMillis()
	return &Task{
		ID:          GenerateID(origin),
		Origin:      origin,
		Status:      StatusPending,
		Instruction: instruction,
		Mode:        mode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
