package remoteexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshworks/fleet-tls/internal/clock"
)

var ErrCommandNotFound = errors.New("remote command not found")

// CommandStatus is the lifecycle of one remote command.
type CommandStatus string

const (
	StatusPending    CommandStatus = "pending"
	StatusInProgress CommandStatus = "in_progress"
	StatusSuccess    CommandStatus = "success"
	StatusFailed     CommandStatus = "failed"
	StatusTimedOut   CommandStatus = "timed_out"
)

// Terminal reports whether the command has finished from the caller's
// point of view. TimedOut is terminal for the caller even though the
// remote side may still complete the work.
func (s CommandStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimedOut
}

// Action names the operation a payload asks the node to perform.
type Action string

const (
	ActionInstall Action = "install"
	ActionRestart Action = "restart"
	ActionHealth  Action = "health"
)

// FileSpec is one file to place on the node. Content is carried as raw
// bytes (base64 on the wire); no shell interpolation ever sees it.
type FileSpec struct {
	Path    string `json:"path"`
	Mode    uint32 `json:"mode"`
	Content []byte `json:"content"`
}

// Payload is the structured command sent to a node. Fields, not
// formatted script text: the receiving helper interprets the action,
// which keeps secrets out of command lines and makes payload
// construction testable.
type Payload struct {
	Action  Action     `json:"action"`
	Service string     `json:"service,omitempty"`
	Files   []FileSpec `json:"files,omitempty"`
}

// RemoteCommand is the observable state of one submitted command. It is
// created by an Executor, polled until terminal, then discarded.
type RemoteCommand struct {
	CommandID   string
	NodeAddress string
	Status      CommandStatus
	Stdout      string
	Stderr      string
	SubmittedAt time.Time
}

// Executor sends command payloads to fleet nodes. Submit returns
// immediately with a command id; Poll is non-blocking; Await polls with
// bounded exponential backoff until the command is terminal or the
// timeout elapses, in which case it returns a TimedOut command rather
// than an error so the caller can decide whether the (idempotent)
// operation is safe to retry.
type Executor interface {
	Submit(ctx context.Context, nodeAddress string, payload Payload) (string, error)
	Poll(ctx context.Context, commandID string) (*RemoteCommand, error)
	Await(ctx context.Context, commandID string, timeout time.Duration) (*RemoteCommand, error)
}

const (
	awaitBaseDelay = 500 * time.Millisecond
	awaitMaxDelay  = 8 * time.Second
)

// awaitCommand is the shared Await implementation over a Poll function.
func awaitCommand(ctx context.Context, clk clock.Clock, commandID string, timeout time.Duration,
	poll func(context.Context, string) (*RemoteCommand, error)) (*RemoteCommand, error) {

	deadline := clk.Now().Add(timeout)
	delay := awaitBaseDelay

	for {
		cmd, err := poll(ctx, commandID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll command %s: %w", commandID, err)
		}
		if cmd.Status.Terminal() {
			return cmd, nil
		}
		if !clk.Now().Before(deadline) {
			timedOut := *cmd
			timedOut.Status = StatusTimedOut
			return &timedOut, nil
		}

		select {
		case <-ctx.Done():
			timedOut := *cmd
			timedOut.Status = StatusTimedOut
			return &timedOut, nil
		case <-clk.After(delay):
		}
		delay *= 2
		if delay > awaitMaxDelay {
			delay = awaitMaxDelay
		}
	}
}
