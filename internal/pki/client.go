package pki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/clock"
)

var (
	// ErrIssuanceDenied marks a fatal CA rejection (malformed CSR,
	// policy violation). Callers must not retry.
	ErrIssuanceDenied = errors.New("certificate issuance denied")

	// ErrIssuanceTimeout is returned by Fetch when the certificate is
	// still pending at the caller's deadline.
	ErrIssuanceTimeout = errors.New("certificate issuance timed out")

	// ErrUnknownHandle marks a fetch for a handle the CA has no record
	// of. Not retryable.
	ErrUnknownHandle = errors.New("unknown certificate handle")
)

// CertificateRequest tracks one node's in-flight issuance. It is owned
// by the provisioner that created it and discarded once the node
// reaches a terminal state. It never contains private key material.
type CertificateRequest struct {
	NodeID           string
	CSRPEM           []byte
	IdempotencyToken string
	Handle           string
	IssuedAt         time.Time
	NotAfter         time.Time
}

// IssuedCertificate is the signed leaf plus the CA chain.
type IssuedCertificate struct {
	CertificatePEM []byte
	ChainPEM       []byte
	NotAfter       time.Time
}

// AuthorityClient abstracts the PKI backend. Issuance is asynchronous:
// Issue returns a handle immediately, Fetch polls until the signed
// certificate is ready.
type AuthorityClient interface {
	Issue(ctx context.Context, csrPEM []byte, validity time.Duration, idempotencyToken string) (string, error)
	Fetch(ctx context.Context, handle string) (*IssuedCertificate, error)
}

const (
	fetchBaseDelay = 500 * time.Millisecond
	fetchMaxDelay  = 8 * time.Second
)

// HTTPClient talks to the certificate authority's HTTP API with a JWT
// bearer token. Fetch applies bounded exponential backoff between polls
// and gives up at the context deadline.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	clk     clock.Clock
}

func NewHTTPClient(baseURL, token string, clk clock.Clock) *HTTPClient {
	if clk == nil {
		clk = clock.Real()
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		clk:     clk,
	}
}

func (c *HTTPClient) Issue(ctx context.Context, csrPEM []byte, validity time.Duration, idempotencyToken string) (string, error) {
	reqBody, err := json.Marshal(dto.IssueCertificateRequest{
		CSRPEM:           string(csrPEM),
		ValiditySeconds:  int64(validity / time.Second),
		IdempotencyToken: idempotencyToken,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/certificates", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to build issue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach certificate authority: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read issue response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", ErrIssuanceDenied, string(body))
	default:
		// Throttling and server-side trouble are retryable.
		return "", fmt.Errorf("issuance request failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var issueResp dto.IssueCertificateResponse
	if err := json.Unmarshal(body, &issueResp); err != nil {
		return "", fmt.Errorf("failed to parse issue response: %w", err)
	}
	if issueResp.Handle == "" {
		return "", fmt.Errorf("certificate authority returned an empty handle")
	}
	return issueResp.Handle, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, handle string) (*IssuedCertificate, error) {
	delay := fetchBaseDelay
	for {
		cert, err := c.fetchOnce(ctx, handle)
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, errNotReady) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: handle %s", ErrIssuanceTimeout, handle)
		case <-c.clk.After(delay):
		}
		if deadline, ok := ctx.Deadline(); ok && c.clk.Now().After(deadline) {
			return nil, fmt.Errorf("%w: handle %s", ErrIssuanceTimeout, handle)
		}
		delay *= 2
		if delay > fetchMaxDelay {
			delay = fetchMaxDelay
		}
	}
}

var errNotReady = errors.New("certificate not ready")

func (c *HTTPClient) fetchOnce(ctx context.Context, handle string) (*IssuedCertificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/certificates/"+handle, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach certificate authority: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, errNotReady
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	default:
		return nil, fmt.Errorf("certificate fetch failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var statusResp dto.CertificateStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to parse fetch response: %w", err)
	}
	if statusResp.Status != dto.CertificateStatusIssued || statusResp.CertificatePEM == "" {
		return nil, errNotReady
	}

	return &IssuedCertificate{
		CertificatePEM: []byte(statusResp.CertificatePEM),
		ChainPEM:       []byte(statusResp.ChainPEM),
		NotAfter:       statusResp.NotAfter,
	}, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
