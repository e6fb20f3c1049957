package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshworks/fleet-tls/internal/clock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultHelperPath is where the node-side helper binary is expected.
// The helper reads a JSON payload on stdin and applies it locally.
const DefaultHelperPath = "/usr/local/bin/backbone-node-helper"

// SSHConfig configures the direct-SSH command channel.
type SSHConfig struct {
	User           string
	Port           int
	KeyFile        string
	KnownHostsFile string
	HelperPath     string
}

// SSHExecutor runs payloads on nodes over SSH. Each Submit starts the
// session in a background goroutine and returns immediately, so the
// Submit/Poll/Await contract matches the HTTP channel. A command that
// outlives Await keeps running on the node; it is never interrupted.
type SSHExecutor struct {
	config   SSHConfig
	signer   ssh.Signer
	hostKeys ssh.HostKeyCallback
	clk      clock.Clock

	mu       sync.RWMutex
	commands map[string]*RemoteCommand
}

func NewSSHExecutor(config SSHConfig, clk clock.Clock) (*SSHExecutor, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if config.Port == 0 {
		config.Port = 22
	}
	if config.HelperPath == "" {
		config.HelperPath = DefaultHelperPath
	}

	keyBytes, err := os.ReadFile(config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &SSHExecutor{
		config:   config,
		signer:   signer,
		hostKeys: hostKeys,
		clk:      clk,
		commands: make(map[string]*RemoteCommand),
	}, nil
}

func (e *SSHExecutor) Submit(ctx context.Context, nodeAddress string, payload Payload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	commandID := uuid.NewString()
	cmd := &RemoteCommand{
		CommandID:   commandID,
		NodeAddress: nodeAddress,
		Status:      StatusPending,
		SubmittedAt: e.clk.Now(),
	}

	e.mu.Lock()
	e.commands[commandID] = cmd
	e.mu.Unlock()

	// The session deliberately does not inherit ctx: cancelling the
	// job must not interrupt an install or restart mid-flight.
	go e.run(commandID, nodeAddress, payloadJSON)

	return commandID, nil
}

func (e *SSHExecutor) run(commandID, nodeAddress string, payloadJSON []byte) {
	e.setStatus(commandID, StatusInProgress, "", "")

	addr := net.JoinHostPort(nodeAddress, fmt.Sprintf("%d", e.config.Port))
	clientConfig := &ssh.ClientConfig{
		User:            e.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: e.hostKeys,
		Timeout:         15 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		slog.Warn("SSH dial failed", "address", addr, "command_id", commandID, "error", err)
		e.setStatus(commandID, StatusFailed, "", fmt.Sprintf("dial: %v", err))
		return
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		e.setStatus(commandID, StatusFailed, "", fmt.Sprintf("session: %v", err))
		return
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = bytes.NewReader(payloadJSON)
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(e.config.HelperPath + " apply"); err != nil {
		slog.Warn("Remote helper failed", "address", addr, "command_id", commandID, "error", err)
		e.setStatus(commandID, StatusFailed, stdout.String(), stderr.String())
		return
	}

	e.setStatus(commandID, StatusSuccess, stdout.String(), stderr.String())
}

func (e *SSHExecutor) Poll(ctx context.Context, commandID string) (*RemoteCommand, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cmd, ok := e.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	snapshot := *cmd
	return &snapshot, nil
}

func (e *SSHExecutor) Await(ctx context.Context, commandID string, timeout time.Duration) (*RemoteCommand, error) {
	return awaitCommand(ctx, e.clk, commandID, timeout, e.Poll)
}

func (e *SSHExecutor) setStatus(commandID string, status CommandStatus, stdout, stderr string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cmd, ok := e.commands[commandID]; ok {
		cmd.Status = status
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}
}
