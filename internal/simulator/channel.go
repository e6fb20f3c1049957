package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshworks/fleet-tls/internal/clock"
	"github.com/meshworks/fleet-tls/internal/remoteexec"
)

// nodeState is the simulated on-node effect of executed commands.
type nodeState struct {
	files     map[string][]byte
	running   bool
	restarted int
}

type commandRecord struct {
	command remoteexec.RemoteCommand
	payload remoteexec.Payload
}

// CommandChannel simulates the remote-execution service: submitted
// payloads run against an in-memory node after a short delay, so the
// caller's poll loop sees a pending command before a terminal one.
type CommandChannel struct {
	clk       clock.Clock
	execDelay time.Duration

	mu       sync.Mutex
	commands map[string]*commandRecord
	nodes    map[string]*nodeState
}

func NewCommandChannel(execDelay time.Duration, clk clock.Clock) *CommandChannel {
	if clk == nil {
		clk = clock.Real()
	}
	return &CommandChannel{
		clk:       clk,
		execDelay: execDelay,
		commands:  make(map[string]*commandRecord),
		nodes:     make(map[string]*nodeState),
	}
}

// Submit queues a payload for a node and returns the command id.
func (c *CommandChannel) Submit(nodeAddress string, rawPayload json.RawMessage) (string, error) {
	var payload remoteexec.Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return "", fmt.Errorf("failed to parse payload: %w", err)
	}

	commandID := uuid.NewString()
	record := &commandRecord{
		command: remoteexec.RemoteCommand{
			CommandID:   commandID,
			NodeAddress: nodeAddress,
			Status:      remoteexec.StatusPending,
			SubmittedAt: c.clk.Now(),
		},
		payload: payload,
	}

	c.mu.Lock()
	c.commands[commandID] = record
	c.mu.Unlock()

	go c.execute(commandID, nodeAddress)

	slog.Debug("Command queued", "command_id", commandID, "node_address", nodeAddress, "action", payload.Action)
	return commandID, nil
}

// Status returns a snapshot of one command.
func (c *CommandChannel) Status(commandID string) (remoteexec.RemoteCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.commands[commandID]
	if !ok {
		return remoteexec.RemoteCommand{}, false
	}
	return record.command, true
}

// CommandCount reports how many commands the channel has accepted.
func (c *CommandChannel) CommandCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commands)
}

// NodeFiles returns a copy of the files installed on a simulated node.
func (c *CommandChannel) NodeFiles(nodeAddress string) map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeAddress]
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(node.files))
	for path, content := range node.files {
		out[path] = append([]byte(nil), content...)
	}
	return out
}

func (c *CommandChannel) execute(commandID, nodeAddress string) {
	if c.execDelay > 0 {
		c.clk.Sleep(c.execDelay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.commands[commandID]
	if !ok {
		return
	}
	record.command.Status = remoteexec.StatusInProgress

	node, ok := c.nodes[nodeAddress]
	if !ok {
		node = &nodeState{files: make(map[string][]byte)}
		c.nodes[nodeAddress] = node
	}

	switch record.payload.Action {
	case remoteexec.ActionInstall:
		for _, f := range record.payload.Files {
			node.files[f.Path] = append([]byte(nil), f.Content...)
		}
		record.command.Status = remoteexec.StatusSuccess
		record.command.Stdout = fmt.Sprintf("installed %d files", len(record.payload.Files))

	case remoteexec.ActionRestart:
		if len(node.files) == 0 {
			record.command.Status = remoteexec.StatusFailed
			record.command.Stderr = "no certificate material installed"
			return
		}
		node.running = true
		node.restarted++
		record.command.Status = remoteexec.StatusSuccess
		record.command.Stdout = fmt.Sprintf("service %s restarted", record.payload.Service)

	case remoteexec.ActionHealth:
		status := "stopped"
		if node.running {
			status = "running"
		}
		record.command.Status = remoteexec.StatusSuccess
		record.command.Stdout = fmt.Sprintf(`{"status":%q}`, status)

	default:
		record.command.Status = remoteexec.StatusFailed
		record.command.Stderr = fmt.Sprintf("unknown action %q", record.payload.Action)
	}
}
