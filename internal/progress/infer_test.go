package progress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/pkg/agentcli"
)

func itemEvent(t *testing.T, evType string, data agentcli.ItemData) agentcli.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return agentcli.Event{Type: evType, Data: b}
}

func TestInfer_CountsStepsAndPercentage(t *testing.T) {
	events := []agentcli.Event{
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "1", Type: agentcli.ItemCommandExecution, Command: "ls"}),
		itemEvent(t, agentcli.EventItemCompleted, agentcli.ItemData{ID: "1", Type: agentcli.ItemCommandExecution, Command: "ls"}),
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "2", Type: agentcli.ItemFileChange}),
	}

	snap := Infer(events)
	assert.Equal(t, 2, snap.TotalSteps)
	assert.Equal(t, 1, snap.CompletedSteps)
	assert.Equal(t, 50, snap.ProgressPercentage)
	assert.Equal(t, 1, snap.CommandsExecuted)
	assert.False(t, snap.IsComplete)
}

func TestInfer_ZeroTotalStepsGivesZeroPercent(t *testing.T) {
	snap := Infer(nil)
	assert.Equal(t, 0, snap.TotalSteps)
	assert.Equal(t, 0, snap.ProgressPercentage)
}

func TestInfer_FileChangeCountsDistinctPaths(t *testing.T) {
	events := []agentcli.Event{
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "1", Type: agentcli.ItemFileChange}),
		itemEvent(t, agentcli.EventItemCompleted, agentcli.ItemData{ID: "1", Type: agentcli.ItemFileChange, Changes: []agentcli.FileChange{
			{Path: "a.go", Kind: "modify"},
			{Path: "b.go", Kind: "add"},
		}}),
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "2", Type: agentcli.ItemFileChange}),
		itemEvent(t, agentcli.EventItemCompleted, agentcli.ItemData{ID: "2", Type: agentcli.ItemFileChange, Changes: []agentcli.FileChange{
			{Path: "a.go", Kind: "modify"},
		}}),
	}
	snap := Infer(events)
	assert.Equal(t, 2, snap.FilesChanged)
}

func TestInfer_TurnFailedSetsHasFailedAndComplete(t *testing.T) {
	events := []agentcli.Event{
		{Type: agentcli.EventTurnFailed, Data: []byte(`{"error":"boom"}`)},
	}
	snap := Infer(events)
	assert.True(t, snap.HasFailed)
	assert.True(t, snap.IsComplete)
	assert.Equal(t, "boom", snap.CurrentAction)
}

func TestInfer_TurnCompletedSetsIsComplete(t *testing.T) {
	events := []agentcli.Event{{Type: agentcli.EventTurnCompleted}}
	snap := Infer(events)
	assert.True(t, snap.IsComplete)
	assert.False(t, snap.HasFailed)
}

func TestInfer_IsDeterministic(t *testing.T) {
	events := []agentcli.Event{
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "1", Type: agentcli.ItemCommandExecution}),
		itemEvent(t, agentcli.EventItemCompleted, agentcli.ItemData{ID: "1", Type: agentcli.ItemCommandExecution}),
	}
	a := Infer(events)
	b := Infer(events)
	assert.Equal(t, a, b)
}

func TestInfer_CurrentActionReflectsMostRecentNonCompletedItem(t *testing.T) {
	events := []agentcli.Event{
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "1", Type: agentcli.ItemCommandExecution, Command: "build"}),
		itemEvent(t, agentcli.EventItemCompleted, agentcli.ItemData{ID: "1", Type: agentcli.ItemCommandExecution, Command: "build"}),
		itemEvent(t, agentcli.EventItemStarted, agentcli.ItemData{ID: "2", Type: agentcli.ItemCommandExecution, Command: "test"}),
	}
	snap := Infer(events)
	assert.Equal(t, "running test", snap.CurrentAction)
}
