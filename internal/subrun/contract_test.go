package subrun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultContractIsOkWithZeroIssuesAndMetrics(t *testing.T) {
	c := DefaultContract(1500, 7, 2)
	require.True(t, c.Ok)
	assert.Empty(t, c.Issues)
	assert.Equal(t, map[string]float64{"timeMs": 1500, "steps": 7, "llmCalls": 2}, c.Metrics)
}

func TestDefaultContractEvidenceIsEmptyNotNil(t *testing.T) {
	c := DefaultContract(0, 0, 0)
	assert.NotNil(t, c.Evidence)
	assert.Empty(t, c.Evidence)
}

func TestResultCarriesContractPointerWhenRequested(t *testing.T) {
	c := DefaultContract(10, 1, 0)
	r := Result{Ok: true, ChildRunID: "sub-1", LogsPath: "/tmp/x", Contract: &c}
	require.NotNil(t, r.Contract)
	assert.True(t, r.Contract.Ok)
}
