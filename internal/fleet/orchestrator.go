package fleet

import (
	"context"
	"log/slog"
	"sync"
)

// NodeProvisioner is the per-node unit of work the orchestrator fans
// out. Implementations mutate node state only through Job methods.
type NodeProvisioner interface {
	Provision(ctx context.Context, job *Job, nodeID string) error
}

// Orchestrator runs a provisioning job across the fleet with a bounded
// worker pool. Nodes are independent: a node failure never aborts its
// siblings. Cancelling the context stops scheduling new nodes but does
// not interrupt commands already in flight on live nodes.
type Orchestrator struct {
	Provisioner NodeProvisioner
}

// Run provisions every non-terminal node and returns the aggregate
// status. At most job.MaxConcurrency nodes are processed at once, to
// respect CA rate limits and command-channel quotas.
func (o *Orchestrator) Run(ctx context.Context, job *Job) JobStatus {
	limit := job.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for _, nodeID := range job.NodeIDs() {
		node, ok := job.Node(nodeID)
		if !ok || node.State.Terminal() {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Warn("Job cancelled, not scheduling remaining nodes", "fleet_run_id", job.FleetRunID, "node_id", nodeID)
		default:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			if err := o.Provisioner.Provision(ctx, job, nodeID); err != nil {
				slog.Error("Node provisioning failed", "fleet_run_id", job.FleetRunID, "node_id", nodeID, "error", err)
			}
		}(nodeID)
	}
	wg.Wait()

	status := job.Aggregate()
	if status == JobSucceeded {
		slog.Info("Fleet provisioning succeeded", "fleet_run_id", job.FleetRunID, "nodes", len(job.NodeIDs()))
	} else {
		failed := job.FailedNodes()
		ids := make([]string, len(failed))
		for i, n := range failed {
			ids[i] = n.ID
		}
		slog.Warn("Fleet provisioning finished with failures", "fleet_run_id", job.FleetRunID, "status", status, "failed_nodes", ids)
	}
	return status
}
