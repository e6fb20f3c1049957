package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/meshworks/fleet-tls/internal/clock"
	"github.com/meshworks/fleet-tls/internal/pki"
	"github.com/meshworks/fleet-tls/internal/remoteexec"
)

const (
	DefaultMaterialDir = "/etc/backbone/tls"
	DefaultService     = "backbone-server"

	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// fatalError marks a step failure that must not be retried.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.Is(err, pki.ErrIssuanceDenied) || errors.Is(err, pki.ErrUnknownHandle)
}

// Provisioner drives one node through the certificate pipeline:
// generate a key on behalf of the node, obtain a signed leaf from the
// CA, push the material over the remote channel, restart the service,
// verify health. Transient failures re-enter the current step until the
// node's retry budget is spent; fatal failures stop immediately. The
// provisioner never skips a step forward.
type Provisioner struct {
	CA          pki.AuthorityClient
	Executor    remoteexec.Executor
	Clock       clock.Clock
	KeyBits     int
	Validity    time.Duration
	MaterialDir string
	Service     string

	mu          sync.Mutex
	trustBundle []byte
}

func (p *Provisioner) clk() clock.Clock {
	if p.Clock == nil {
		return clock.Real()
	}
	return p.Clock
}

func (p *Provisioner) materialDir() string {
	if p.MaterialDir == "" {
		return DefaultMaterialDir
	}
	return p.MaterialDir
}

func (p *Provisioner) service() string {
	if p.Service == "" {
		return DefaultService
	}
	return p.Service
}

// TrustBundle returns the CA chain captured from the first successful
// issuance, for publication to the secret store after the run.
func (p *Provisioner) TrustBundle() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trustBundle
}

func (p *Provisioner) captureTrustBundle(chain []byte) {
	if len(chain) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trustBundle == nil {
		p.trustBundle = chain
	}
}

// Provision runs the full state machine for one node. The orchestrator
// guarantees no other provisioner touches this node concurrently.
func (p *Provisioner) Provision(ctx context.Context, job *Job, nodeID string) error {
	node, ok := job.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	slog.Info("Provisioning node", "node_id", nodeID, "address", node.Address, "fleet_run_id", job.FleetRunID)
	job.RecordAttempt(nodeID, nil)

	key, err := pki.GenerateKey(p.KeyBits)
	if err != nil {
		job.Fail(nodeID, fmt.Errorf("key generation: %w", err))
		return err
	}
	if err := job.Transition(nodeID, StateKeyGenerated); err != nil {
		return err
	}

	csrPEM, err := pki.BuildCSR(key, node.ID, node.DNSName, node.Address)
	if err != nil {
		job.Fail(nodeID, fmt.Errorf("csr build: %w", err))
		return err
	}
	if err := job.Transition(nodeID, StateCsrSubmitted); err != nil {
		return err
	}

	request := &pki.CertificateRequest{
		NodeID:           node.ID,
		CSRPEM:           csrPEM,
		IdempotencyToken: pki.IdempotencyToken(job.FleetRunID, node.ID),
	}

	var issued *pki.IssuedCertificate
	err = p.runStep(ctx, job, nodeID, "issuance", func(ctx context.Context) error {
		var stepErr error
		issued, stepErr = p.obtainCertificate(ctx, job, request)
		return stepErr
	})
	if err != nil {
		return err
	}
	job.SetNotAfter(nodeID, issued.NotAfter)
	p.captureTrustBundle(issued.ChainPEM)
	if err := job.Transition(nodeID, StateCertIssued); err != nil {
		return err
	}

	keyPEM, err := pki.KeyToPEM(key)
	if err != nil {
		job.Fail(nodeID, fmt.Errorf("key encoding: %w", err))
		return err
	}

	err = p.runStep(ctx, job, nodeID, "distribution", func(ctx context.Context) error {
		return p.runCommand(ctx, job, node.Address, p.installPayload(node.ID, keyPEM, issued), remoteexec.ActionInstall)
	})
	if err != nil {
		return err
	}
	if err := job.Transition(nodeID, StateMaterialDistributed); err != nil {
		return err
	}

	err = p.runStep(ctx, job, nodeID, "activation", func(ctx context.Context) error {
		return p.runCommand(ctx, job, node.Address, remoteexec.Payload{
			Action:  remoteexec.ActionRestart,
			Service: p.service(),
		}, remoteexec.ActionRestart)
	})
	if err != nil {
		return err
	}
	if err := job.Transition(nodeID, StateServiceActivated); err != nil {
		return err
	}

	err = p.runStep(ctx, job, nodeID, "health check", func(ctx context.Context) error {
		return p.probeHealth(ctx, job, node.Address)
	})
	if err != nil {
		return err
	}
	if err := job.Transition(nodeID, StateSucceeded); err != nil {
		return err
	}

	slog.Info("Node provisioned", "node_id", nodeID, "not_after", issued.NotAfter)
	return nil
}

// runStep executes fn, re-entering it on transient failure until the
// node's retry budget (shared across steps) is exhausted. Fatal errors
// and context cancellation fail the node immediately.
func (p *Provisioner) runStep(ctx context.Context, job *Job, nodeID, step string, fn func(context.Context) error) error {
	clk := p.clk()
	delay := retryBaseDelay

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isFatal(err) {
			slog.Warn("Node step failed permanently", "node_id", nodeID, "step", step, "error", err)
			job.Fail(nodeID, fmt.Errorf("%s: %w", step, err))
			return err
		}
		if ctx.Err() != nil {
			job.Fail(nodeID, fmt.Errorf("%s: %w", step, ctx.Err()))
			return ctx.Err()
		}

		node, _ := job.Node(nodeID)
		if node.AttemptCount > job.MaxRetries {
			slog.Warn("Node retry budget exhausted", "node_id", nodeID, "step", step, "attempts", node.AttemptCount, "error", err)
			job.Fail(nodeID, fmt.Errorf("%s: retries exhausted: %w", step, err))
			return err
		}

		job.RecordAttempt(nodeID, fmt.Errorf("%s: %w", step, err))
		slog.Info("Retrying node step", "node_id", nodeID, "step", step, "attempt", node.AttemptCount+1, "error", err)

		select {
		case <-ctx.Done():
			job.Fail(nodeID, fmt.Errorf("%s: %w", step, ctx.Err()))
			return ctx.Err()
		case <-clk.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// obtainCertificate drives the asynchronous issue-then-fetch exchange.
// The idempotency token makes a repeat of a previously accepted request
// return the same certificate rather than minting a duplicate.
func (p *Provisioner) obtainCertificate(ctx context.Context, job *Job, request *pki.CertificateRequest) (*pki.IssuedCertificate, error) {
	handle, err := p.CA.Issue(ctx, request.CSRPEM, p.Validity, request.IdempotencyToken)
	if err != nil {
		return nil, err
	}
	request.Handle = handle

	fetchCtx, cancel := context.WithTimeout(ctx, job.PerNodeTimeout)
	defer cancel()

	issued, err := p.CA.Fetch(fetchCtx, handle)
	if err != nil {
		return nil, err
	}
	request.IssuedAt = p.clk().Now()
	request.NotAfter = issued.NotAfter
	return issued, nil
}

func (p *Provisioner) installPayload(nodeID string, keyPEM []byte, issued *pki.IssuedCertificate) remoteexec.Payload {
	dir := p.materialDir()
	return remoteexec.Payload{
		Action:  remoteexec.ActionInstall,
		Service: p.service(),
		Files: []remoteexec.FileSpec{
			{Path: path.Join(dir, nodeID+"-key.pem"), Mode: 0o600, Content: keyPEM},
			{Path: path.Join(dir, nodeID+"-cert.pem"), Mode: 0o644, Content: issued.CertificatePEM},
			{Path: path.Join(dir, "ca-chain.pem"), Mode: 0o644, Content: issued.ChainPEM},
		},
	}
}

// runCommand submits a payload and awaits completion. A failed install
// or restart means the node-side helper reported an unrecoverable
// error, which is fatal; a timeout is an unknown outcome and, because
// payloads are idempotent, safe to retry.
func (p *Provisioner) runCommand(ctx context.Context, job *Job, address string, payload remoteexec.Payload, action remoteexec.Action) error {
	commandID, err := p.Executor.Submit(ctx, address, payload)
	if err != nil {
		return err
	}

	cmd, err := p.Executor.Await(ctx, commandID, job.PerNodeTimeout)
	if err != nil {
		return err
	}

	switch cmd.Status {
	case remoteexec.StatusSuccess:
		return nil
	case remoteexec.StatusTimedOut:
		return fmt.Errorf("command %s timed out after %s", commandID, job.PerNodeTimeout)
	case remoteexec.StatusFailed:
		return fatal(fmt.Errorf("%s command failed on %s: %s", action, address, strings.TrimSpace(cmd.Stderr)))
	default:
		return fmt.Errorf("command %s finished in unexpected status %s", commandID, cmd.Status)
	}
}

// probeHealth issues the health command and advances only on an
// explicit, parseable "running" signal. A non-running or unparseable
// answer is transient: the service may still be coming up.
func (p *Provisioner) probeHealth(ctx context.Context, job *Job, address string) error {
	commandID, err := p.Executor.Submit(ctx, address, remoteexec.Payload{
		Action:  remoteexec.ActionHealth,
		Service: p.service(),
	})
	if err != nil {
		return err
	}

	cmd, err := p.Executor.Await(ctx, commandID, job.PerNodeTimeout)
	if err != nil {
		return err
	}
	if cmd.Status == remoteexec.StatusTimedOut {
		return fmt.Errorf("health probe %s timed out after %s", commandID, job.PerNodeTimeout)
	}
	if cmd.Status != remoteexec.StatusSuccess {
		return fmt.Errorf("health probe finished in status %s: %s", cmd.Status, strings.TrimSpace(cmd.Stderr))
	}
	if !healthRunning(cmd.Stdout) {
		return fmt.Errorf("service not running on %s: %q", address, strings.TrimSpace(cmd.Stdout))
	}
	return nil
}

func healthRunning(stdout string) bool {
	trimmed := strings.TrimSpace(stdout)
	var signal struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(trimmed), &signal); err == nil {
		return signal.Status == "running"
	}
	return trimmed == "running"
}
