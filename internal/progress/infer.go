// Package progress folds an ordered event sequence into a ProgressSnapshot.
// Infer is a pure function: replaying the same events always yields an
// identical snapshot.
package progress

import (
	"encoding/json"

	"github.com/kandev/kandev/internal/task"
	"github.com/kandev/kandev/pkg/agentcli"
)

// Infer folds events into a ProgressSnapshot per the rules in §4.3:
// total/completed step counts from unique item.started/item.completed,
// percentage floored, distinct file paths and completed commands counted,
// current_action from the most recent non-completed item or last turn
// message, and terminal flags from turn.completed/turn.failed.
func Infer(events []agentcli.Event) *task.ProgressSnapshot {
	snap := &task.ProgressSnapshot{}

	started := map[string]bool{}
	completed := map[string]bool{}
	filesChanged := map[string]bool{}
	commandsExecuted := 0

	var steps []task.Step
	var itemOrder []string
	descriptions := map[string]string{}
	var lastTurnMessage string

	for _, ev := range events {
		switch ev.Type {
		case agentcli.EventTurnFailed:
			snap.HasFailed = true
			snap.IsComplete = true
			var d agentcli.TurnFailedData
			if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &d) == nil && d.Error != "" {
				lastTurnMessage = d.Error
			}
		case agentcli.EventTurnCompleted:
			snap.IsComplete = true
		case agentcli.EventItemStarted, agentcli.EventItemUpdated, agentcli.EventItemCompleted:
			var item agentcli.ItemData
			if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &item) != nil {
				continue
			}

			if _, seen := descriptions[item.ID]; !seen {
				itemOrder = append(itemOrder, item.ID)
			}
			descriptions[item.ID] = item.Description()

			switch ev.Type {
			case agentcli.EventItemStarted:
				started[item.ID] = true
				steps = append(steps, task.Step{Type: string(item.Type), Description: item.Description(), Status: "started"})
			case agentcli.EventItemCompleted:
				completed[item.ID] = true
				if item.Type == agentcli.ItemFileChange {
					for _, fc := range item.Changes {
						filesChanged[fc.Path] = true
					}
				}
				if item.Type == agentcli.ItemCommandExecution {
					commandsExecuted++
				}
				steps = append(steps, task.Step{Type: string(item.Type), Description: item.Description(), Status: "completed"})
			}
		}
	}

	snap.TotalSteps = len(started)
	snap.CompletedSteps = len(completed)
	if snap.TotalSteps > 0 {
		snap.ProgressPercentage = (100 * snap.CompletedSteps) / snap.TotalSteps
	}
	snap.FilesChanged = len(filesChanged)
	snap.CommandsExecuted = commandsExecuted
	snap.Steps = steps

	snap.CurrentAction = lastTurnMessage
	for i := len(itemOrder) - 1; i >= 0; i-- {
		id := itemOrder[i]
		if !completed[id] {
			snap.CurrentAction = descriptions[id]
			break
		}
	}

	return snap
}
