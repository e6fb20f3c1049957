package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report is the persisted outcome of one provisioning job, written for
// audit and consumed by later runs to skip nodes whose certificates are
// still fresh. It carries no private key material.
type Report struct {
	FleetRunID    string        `json:"fleet_run_id"`
	Group         string        `json:"group"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	OverallStatus JobStatus     `json:"overall_status"`
	Nodes         []ClusterNode `json:"nodes"`
}

// BuildReport snapshots a finished job.
func BuildReport(job *Job) *Report {
	return &Report{
		FleetRunID:    job.FleetRunID,
		Group:         job.Group,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		OverallStatus: job.OverallStatus,
		Nodes:         job.Nodes(),
	}
}

// WriteReport persists the report as JSON.
func WriteReport(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// LoadReport reads a previously written report. A missing file is not
// an error; it returns (nil, nil) so first runs need no special case.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}

// ApplyPriorRun marks nodes already provisioned by an earlier job as
// succeeded, so the orchestrator skips them. A node qualifies when the
// prior report recorded it succeeded for the same group and its
// certificate stays valid beyond the renewal window. Skipped nodes
// cause no CA issuance and no remote commands.
func ApplyPriorRun(job *Job, prior *Report, renewBefore time.Duration, now time.Time) int {
	if prior == nil || prior.Group != job.Group {
		return 0
	}

	cutoff := now.Add(renewBefore)
	skipped := 0
	for _, prev := range prior.Nodes {
		if prev.State != StateSucceeded || !prev.NotAfter.After(cutoff) {
			continue
		}
		if current, ok := job.Node(prev.ID); ok && current.State == StatePending {
			job.MarkSkipped(prev.ID, prev.NotAfter)
			skipped++
		}
	}
	return skipped
}
