// Package agentcli defines the wire shapes the orchestration service
// expects from a local agent subprocess invoked with a JSON-event-emitting
// exec subcommand: one JSON object per line on stdout.
package agentcli

import "encoding/json"

// Event is one decoded JSONL line from the agent's stdout. Type holds the
// dotted event name (e.g. "turn.completed"); Data carries the
// type-specific payload as raw JSON so callers can re-decode it into the
// shape they expect, and so unrecognized types still round-trip.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Known event type names.
const (
	EventThreadStarted  = "thread.started"
	EventTurnStarted    = "turn.started"
	EventTurnCompleted  = "turn.completed"
	EventTurnFailed     = "turn.failed"
	EventItemStarted    = "item.started"
	EventItemUpdated    = "item.updated"
	EventItemCompleted  = "item.completed"
)

// ItemType enumerates the recognized item.* payload kinds.
type ItemType string

const (
	ItemFileChange       ItemType = "file_change"
	ItemCommandExecution ItemType = "command_execution"
	ItemAgentMessage     ItemType = "agent_message"
	ItemReasoning        ItemType = "reasoning"
)

// ThreadStartedData is the payload of a thread.started event.
type ThreadStartedData struct {
	ThreadID string `json:"thread_id"`
}

// TurnFailedData is the payload of a turn.failed event.
type TurnFailedData struct {
	Error string `json:"error"`
}

// TurnCompletedData is the payload of a turn.completed event, including
// token usage when the agent reports it.
type TurnCompletedData struct {
	Usage *TurnUsage `json:"usage,omitempty"`
}

// TurnUsage mirrors the agent's reported token accounting.
type TurnUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// ItemData is the payload shape of item.started/item.updated/item.completed
// events. Type selects which of the optional fields below are populated.
type ItemData struct {
	ID          string   `json:"id"`
	Type        ItemType `json:"type"`
	Status      string   `json:"status,omitempty"`

	// agent_message / reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// file_change
	Changes []FileChange `json:"changes,omitempty"`
}

// FileChange describes one file touched by a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // add, modify, delete
}

// Description returns a short human-readable summary of the item, used by
// the progress package to populate current_action.
func (d ItemData) Description() string {
	switch d.Type {
	case ItemFileChange:
		if len(d.Changes) == 1 {
			return "editing " + d.Changes[0].Path
		}
		return "editing files"
	case ItemCommandExecution:
		return "running " + d.Command
	case ItemAgentMessage:
		return d.Text
	case ItemReasoning:
		return "reasoning"
	default:
		return string(d.Type)
	}
}
