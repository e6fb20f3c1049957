package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshworks/fleet-tls/internal/api/http/dto"
)

var (
	ErrGroupNotFound = errors.New("node group not found")
	ErrGroupEmpty    = errors.New("node group has no healthy members")
)

// Member is one healthy fleet node as reported by the membership
// directory.
type Member struct {
	ID      string
	Address string
	DNSName string
}

// Resolver lists the healthy members of a named node group. Unhealthy
// or terminating nodes are excluded by the directory: provisioning a
// doomed node wastes CA quota.
type Resolver interface {
	Resolve(ctx context.Context, group string) ([]Member, error)
}

// HTTPResolver queries the membership directory's HTTP API.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, group string) ([]Member, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/v1/groups/"+group+"/members", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build membership request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach membership directory: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read membership response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("membership lookup failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var membersResp dto.MembersResponse
	if err := json.Unmarshal(body, &membersResp); err != nil {
		return nil, fmt.Errorf("failed to parse membership response: %w", err)
	}
	if len(membersResp.Members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupEmpty, group)
	}

	members := make([]Member, len(membersResp.Members))
	for i, m := range membersResp.Members {
		members[i] = Member{
			ID:      m.ID,
			Address: m.Address,
			DNSName: m.DNSName,
		}
	}
	return members, nil
}
