package fleet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownNode       = errors.New("unknown node")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// NodeState is the per-node provisioning state. States advance strictly
// in order; any non-terminal state may transition to StateFailed.
type NodeState string

const (
	StatePending             NodeState = "pending"
	StateKeyGenerated        NodeState = "key_generated"
	StateCsrSubmitted        NodeState = "csr_submitted"
	StateCertIssued          NodeState = "cert_issued"
	StateMaterialDistributed NodeState = "material_distributed"
	StateServiceActivated    NodeState = "service_activated"
	StateSucceeded           NodeState = "succeeded"
	StateFailed              NodeState = "failed"
)

// stateOrder gives each forward state its position in the pipeline.
// Failed is deliberately absent: it is reachable from anywhere.
var stateOrder = map[NodeState]int{
	StatePending:             0,
	StateKeyGenerated:        1,
	StateCsrSubmitted:        2,
	StateCertIssued:          3,
	StateMaterialDistributed: 4,
	StateServiceActivated:    5,
	StateSucceeded:           6,
}

// Terminal reports whether no further transitions are allowed.
func (s NodeState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func canTransition(from, to NodeState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	fromIdx, ok := stateOrder[from]
	if !ok {
		return false
	}
	toIdx, ok := stateOrder[to]
	if !ok {
		return false
	}
	return toIdx == fromIdx+1
}

// ClusterNode is one fleet member. Identity fields (ID, Address,
// DNSName) are immutable once resolved; State, AttemptCount, LastError
// and NotAfter mutate only through Job methods.
type ClusterNode struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	DNSName      string    `json:"dns_name,omitempty"`
	State        NodeState `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	NotAfter     time.Time `json:"not_after,omitzero"`
}

// JobStatus is the aggregate outcome of a provisioning job.
type JobStatus string

const (
	JobRunning        JobStatus = "running"
	JobSucceeded      JobStatus = "succeeded"
	JobPartialFailure JobStatus = "partial_failure"
)

// Job is the unit of fleet-wide work. The orchestrator exclusively owns
// the Job; provisioners mutate node state through its methods, which
// serialize access. No two provisioners are ever assigned the same node.
type Job struct {
	FleetRunID     string
	Group          string
	StartedAt      time.Time
	FinishedAt     time.Time
	MaxConcurrency int
	MaxRetries     int
	PerNodeTimeout time.Duration
	OverallStatus  JobStatus

	mu    sync.Mutex
	nodes map[string]*ClusterNode
	order []string
}

// NewJob builds a job over the resolved nodes. Node order is preserved
// for scheduling and reporting.
func NewJob(group string, nodes []*ClusterNode, maxConcurrency, maxRetries int, perNodeTimeout time.Duration) *Job {
	j := &Job{
		FleetRunID:     uuid.NewString(),
		Group:          group,
		StartedAt:      time.Now().UTC(),
		MaxConcurrency: maxConcurrency,
		MaxRetries:     maxRetries,
		PerNodeTimeout: perNodeTimeout,
		OverallStatus:  JobRunning,
		nodes:          make(map[string]*ClusterNode, len(nodes)),
	}
	for _, n := range nodes {
		if n.State == "" {
			n.State = StatePending
		}
		j.nodes[n.ID] = n
		j.order = append(j.order, n.ID)
	}
	return j
}

// Transition advances a node to the next pipeline state. It rejects
// transitions that skip a step or leave a terminal state.
func (j *Job) Transition(nodeID string, to NodeState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if !canTransition(n.State, to) {
		return fmt.Errorf("%w: %s -> %s (node %s)", ErrIllegalTransition, n.State, to, nodeID)
	}
	n.State = to
	return nil
}

// Fail moves a node to the failed state, recording the reason. Failing
// an already-terminal node is rejected.
func (j *Job) Fail(nodeID string, reason error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if !canTransition(n.State, StateFailed) {
		return fmt.Errorf("%w: %s -> %s (node %s)", ErrIllegalTransition, n.State, StateFailed, nodeID)
	}
	n.State = StateFailed
	if reason != nil {
		n.LastError = reason.Error()
	}
	return nil
}

// RecordAttempt increments a node's attempt counter and notes the error
// that triggered the retry.
func (j *Job) RecordAttempt(nodeID string, cause error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[nodeID]
	if !ok {
		return
	}
	n.AttemptCount++
	if cause != nil {
		n.LastError = cause.Error()
	}
}

// SetNotAfter records the expiry of the certificate issued for a node.
func (j *Job) SetNotAfter(nodeID string, notAfter time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n, ok := j.nodes[nodeID]; ok {
		n.NotAfter = notAfter
	}
}

// Node returns a snapshot copy of one node's current state.
func (j *Job) Node(nodeID string) (ClusterNode, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[nodeID]
	if !ok {
		return ClusterNode{}, false
	}
	return *n, true
}

// Nodes returns snapshot copies of all nodes in resolution order.
func (j *Job) Nodes() []ClusterNode {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]ClusterNode, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, *j.nodes[id])
	}
	return out
}

// NodeIDs returns the node ids in resolution order.
func (j *Job) NodeIDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]string, len(j.order))
	copy(out, j.order)
	return out
}

// MarkSkipped records a node as already succeeded from a prior run so
// the orchestrator will not schedule it.
func (j *Job) MarkSkipped(nodeID string, notAfter time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n, ok := j.nodes[nodeID]; ok {
		n.State = StateSucceeded
		n.NotAfter = notAfter
	}
}

// Aggregate computes the overall job status: succeeded only when every
// node succeeded, partial failure otherwise. It also stamps FinishedAt.
func (j *Job) Aggregate() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	status := JobSucceeded
	for _, n := range j.nodes {
		if n.State != StateSucceeded {
			status = JobPartialFailure
			break
		}
	}
	j.OverallStatus = status
	j.FinishedAt = time.Now().UTC()
	return status
}

// FailedNodes returns snapshots of nodes that did not succeed.
func (j *Job) FailedNodes() []ClusterNode {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []ClusterNode
	for _, id := range j.order {
		if n := j.nodes[id]; n.State != StateSucceeded {
			out = append(out, *n)
		}
	}
	return out
}
