package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	// helpers only record after a successful Register
	IncExecutionStart("farm")
	IncExecutionStop("success")
	IncSpawnFailure()
	SetRunningExecutions(2)
	ObserveExecutionDuration("farm", 1.5)
	SetDeviceCount("available", 3)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["adbfleet_execution_starts_total"])
	assert.True(t, names["adbfleet_execution_running"])
	assert.True(t, names["adbfleet_device_count"])
}

func TestHandlerServes(t *testing.T) {
	assert.NotNil(t, Handler())
}
