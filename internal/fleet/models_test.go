package fleet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes() []*ClusterNode {
	return []*ClusterNode{
		{ID: "node-1", Address: "10.0.1.11", DNSName: "node-1.backbone.internal"},
		{ID: "node-2", Address: "10.0.1.12", DNSName: "node-2.backbone.internal"},
		{ID: "node-3", Address: "10.0.1.13"},
	}
}

func TestNewJobDefaultsToPending(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	assert.NotEmpty(t, job.FleetRunID)
	assert.Equal(t, JobRunning, job.OverallStatus)
	assert.Equal(t, []string{"node-1", "node-2", "node-3"}, job.NodeIDs())
	for _, n := range job.Nodes() {
		assert.Equal(t, StatePending, n.State)
		assert.Equal(t, 0, n.AttemptCount)
	}
}

func TestTransitionWalksFullPipeline(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	steps := []NodeState{
		StateKeyGenerated,
		StateCsrSubmitted,
		StateCertIssued,
		StateMaterialDistributed,
		StateServiceActivated,
		StateSucceeded,
	}
	for _, next := range steps {
		require.NoError(t, job.Transition("node-1", next))
	}

	n, ok := job.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, n.State)
	assert.True(t, n.State.Terminal())
}

func TestTransitionRejectsSkippedStep(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	err := job.Transition("node-1", StateCertIssued)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	n, _ := job.Node("node-1")
	assert.Equal(t, StatePending, n.State)
}

func TestTransitionRejectsUnknownNode(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	err := job.Transition("node-99", StateKeyGenerated)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestTransitionRejectsLeavingTerminalState(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	require.NoError(t, job.Fail("node-1", errors.New("boom")))

	err := job.Transition("node-1", StateKeyGenerated)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	err = job.Fail("node-1", errors.New("again"))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	require.NoError(t, job.Transition("node-2", StateKeyGenerated))
	require.NoError(t, job.Transition("node-2", StateCsrSubmitted))
	require.NoError(t, job.Fail("node-2", errors.New("csr rejected")))

	n, _ := job.Node("node-2")
	assert.Equal(t, StateFailed, n.State)
	assert.Equal(t, "csr rejected", n.LastError)
}

func TestRecordAttempt(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	job.RecordAttempt("node-1", nil)
	job.RecordAttempt("node-1", errors.New("issuance: timed out"))

	n, _ := job.Node("node-1")
	assert.Equal(t, 2, n.AttemptCount)
	assert.Equal(t, "issuance: timed out", n.LastError)
}

func TestAggregateAllSucceeded(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	for _, id := range job.NodeIDs() {
		job.MarkSkipped(id, time.Now().Add(24*time.Hour))
	}

	assert.Equal(t, JobSucceeded, job.Aggregate())
	assert.Equal(t, JobSucceeded, job.OverallStatus)
	assert.False(t, job.FinishedAt.IsZero())
	assert.Empty(t, job.FailedNodes())
}

func TestAggregatePartialFailure(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	job.MarkSkipped("node-1", time.Now().Add(24*time.Hour))
	job.MarkSkipped("node-2", time.Now().Add(24*time.Hour))
	require.NoError(t, job.Fail("node-3", errors.New("unreachable")))

	assert.Equal(t, JobPartialFailure, job.Aggregate())

	failed := job.FailedNodes()
	require.Len(t, failed, 1)
	assert.Equal(t, "node-3", failed[0].ID)
}

func TestSetNotAfter(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)

	expiry := time.Now().Add(90 * 24 * time.Hour).UTC()
	job.SetNotAfter("node-1", expiry)

	n, _ := job.Node("node-1")
	assert.Equal(t, expiry, n.NotAfter)
}
