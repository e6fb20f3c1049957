package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/clock"
)

// HTTPExecutor drives nodes through the remote-command channel's HTTP
// API (an SSM-style service that relays payloads to node agents).
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	clk     clock.Clock
}

func NewHTTPExecutor(baseURL, token string, clk clock.Clock) *HTTPExecutor {
	if clk == nil {
		clk = clock.Real()
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		clk:     clk,
	}
}

func (e *HTTPExecutor) Submit(ctx context.Context, nodeAddress string, payload Payload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	reqBody, err := json.Marshal(dto.SubmitCommandRequest{
		NodeAddress: nodeAddress,
		Payload:     payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v1/commands", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach command channel: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("command submit failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var submitResp dto.SubmitCommandResponse
	if err := json.Unmarshal(body, &submitResp); err != nil {
		return "", fmt.Errorf("failed to parse submit response: %w", err)
	}
	if submitResp.CommandID == "" {
		return "", fmt.Errorf("command channel returned an empty command id")
	}
	return submitResp.CommandID, nil
}

func (e *HTTPExecutor) Poll(ctx context.Context, commandID string) (*RemoteCommand, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/v1/commands/"+commandID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach command channel: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("command poll failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var statusResp dto.CommandStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to parse poll response: %w", err)
	}

	return &RemoteCommand{
		CommandID:   statusResp.CommandID,
		NodeAddress: statusResp.NodeAddress,
		Status:      CommandStatus(statusResp.Status),
		Stdout:      statusResp.Stdout,
		Stderr:      statusResp.Stderr,
		SubmittedAt: statusResp.SubmittedAt,
	}, nil
}

func (e *HTTPExecutor) Await(ctx context.Context, commandID string, timeout time.Duration) (*RemoteCommand, error) {
	return awaitCommand(ctx, e.clk, commandID, timeout, e.Poll)
}

func (e *HTTPExecutor) authorize(req *http.Request) {
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
}
