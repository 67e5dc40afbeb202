package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoute_FullTestSuiteInTheCloud_PicksCloudRun(t *testing.T) {
	d := Route("run the full test suite in the cloud")
	assert.Equal(t, "cloud_run", d.Primitive)
	assert.False(t, d.Disambiguate)
	assert.GreaterOrEqual(t, d.Confidence, confidenceThreshold)
}

func TestRoute_CheckTheStatus_Disambiguates(t *testing.T) {
	d := Route("check the status")
	assert.True(t, d.Disambiguate)
	assert.GreaterOrEqual(t, len(d.Alternatives), 2)
}

func TestRoute_LiteralCloudTaskID_BoostsCloudPrimitives(t *testing.T) {
	d := Route("cancel T-cloud-abc123")
	assert.Equal(t, "cloud_cancel", d.Primitive)
}

func TestRoute_LiteralLocalTaskID_BoostsLocalPrimitives(t *testing.T) {
	d := Route("what's the status of T-local-xyz789")
	assert.Equal(t, "local_status", d.Primitive)
}

func TestRoute_ListEnvironments(t *testing.T) {
	d := Route("list the available cloud environments")
	assert.Equal(t, "cloud_list_environments", d.Primitive)
}
