package fleet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedJob(t *testing.T) *Job {
	t.Helper()

	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)
	job.MarkSkipped("node-1", time.Now().Add(80*24*time.Hour).UTC())
	job.MarkSkipped("node-2", time.Now().Add(80*24*time.Hour).UTC())
	require.NoError(t, job.Fail("node-3", errors.New("unreachable")))
	job.Aggregate()
	return job
}

func TestWriteAndLoadReport(t *testing.T) {
	job := finishedJob(t)
	path := filepath.Join(t.TempDir(), "reports", "fleet-report.json")

	require.NoError(t, WriteReport(path, BuildReport(job)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadReport(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, job.FleetRunID, loaded.FleetRunID)
	assert.Equal(t, "backbone-prod", loaded.Group)
	assert.Equal(t, JobPartialFailure, loaded.OverallStatus)
	require.Len(t, loaded.Nodes, 3)
	assert.Equal(t, StateSucceeded, loaded.Nodes[0].State)
	assert.Equal(t, StateFailed, loaded.Nodes[2].State)
	assert.Equal(t, "unreachable", loaded.Nodes[2].LastError)
}

func TestLoadReportMissingFile(t *testing.T) {
	report, err := LoadReport(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestLoadReportCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet-report.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := LoadReport(path)
	assert.Error(t, err)
}

func TestApplyPriorRunSkipsFreshNodes(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	prior := &Report{
		Group: "backbone-prod",
		Nodes: []ClusterNode{
			{ID: "node-1", State: StateSucceeded, NotAfter: now.Add(60 * 24 * time.Hour)},
			{ID: "node-2", State: StateFailed},
			{ID: "node-3", State: StateSucceeded, NotAfter: now.Add(60 * 24 * time.Hour)},
		},
	}

	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)
	skipped := ApplyPriorRun(job, prior, 24*time.Hour, now)
	assert.Equal(t, 2, skipped)

	n1, _ := job.Node("node-1")
	assert.Equal(t, StateSucceeded, n1.State)
	assert.Equal(t, prior.Nodes[0].NotAfter, n1.NotAfter)

	n2, _ := job.Node("node-2")
	assert.Equal(t, StatePending, n2.State)

	n3, _ := job.Node("node-3")
	assert.Equal(t, StateSucceeded, n3.State)
}

func TestApplyPriorRunRenewsExpiringCertificates(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	prior := &Report{
		Group: "backbone-prod",
		Nodes: []ClusterNode{
			// Expires inside the renewal window: must be re-provisioned.
			{ID: "node-1", State: StateSucceeded, NotAfter: now.Add(12 * time.Hour)},
			{ID: "node-2", State: StateSucceeded, NotAfter: now.Add(48 * time.Hour)},
		},
	}

	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)
	skipped := ApplyPriorRun(job, prior, 24*time.Hour, now)
	assert.Equal(t, 1, skipped)

	n1, _ := job.Node("node-1")
	assert.Equal(t, StatePending, n1.State)
	n2, _ := job.Node("node-2")
	assert.Equal(t, StateSucceeded, n2.State)
}

func TestApplyPriorRunIgnoresOtherGroups(t *testing.T) {
	now := time.Now().UTC()
	prior := &Report{
		Group: "backbone-staging",
		Nodes: []ClusterNode{
			{ID: "node-1", State: StateSucceeded, NotAfter: now.Add(60 * 24 * time.Hour)},
		},
	}

	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)
	assert.Equal(t, 0, ApplyPriorRun(job, prior, 24*time.Hour, now))
}

func TestApplyPriorRunNilReport(t *testing.T) {
	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)
	assert.Equal(t, 0, ApplyPriorRun(job, nil, 24*time.Hour, time.Now()))
}

func TestApplyPriorRunIgnoresUnknownNodes(t *testing.T) {
	now := time.Now().UTC()
	prior := &Report{
		Group: "backbone-prod",
		Nodes: []ClusterNode{
			// Node left the group since the last run.
			{ID: "node-9", State: StateSucceeded, NotAfter: now.Add(60 * 24 * time.Hour)},
		},
	}

	job := NewJob("backbone-prod", testNodes(), 5, 3, time.Minute)
	assert.Equal(t, 0, ApplyPriorRun(job, prior, 24*time.Hour, now))
}
