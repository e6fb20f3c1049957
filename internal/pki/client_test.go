package pki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthorityServer imitates the CA's asynchronous HTTP API: issue
// returns 202 with a handle, fetch answers 202 until pendingPolls is
// spent, then 200 with the certificate.
type fakeAuthorityServer struct {
	mu           sync.Mutex
	pendingPolls int
	denyAll      bool
	notAfter     time.Time

	lastAuth  string
	lastToken string
	issued    int
}

func (s *fakeAuthorityServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/certificates", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.lastAuth = r.Header.Get("Authorization")

		var req dto.IssueCertificateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.lastToken = req.IdempotencyToken

		if s.denyAll {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"csr rejected by policy"}`))
			return
		}
		s.issued++
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(dto.IssueCertificateResponse{Handle: "handle-1"})
	})
	mux.HandleFunc("GET /api/v1/certificates/{handle}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		handle := r.PathValue("handle")
		if handle != "handle-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if s.pendingPolls > 0 {
			s.pendingPolls--
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(dto.CertificateStatusResponse{Handle: handle, Status: dto.CertificateStatusPending})
			return
		}
		json.NewEncoder(w).Encode(dto.CertificateStatusResponse{
			Handle:         handle,
			Status:         dto.CertificateStatusIssued,
			CertificatePEM: "leaf-cert-pem",
			ChainPEM:       "ca-chain-pem",
			NotAfter:       s.notAfter,
		})
	})
	return mux
}

func TestIssueReturnsHandle(t *testing.T) {
	ca := &fakeAuthorityServer{}
	srv := httptest.NewServer(ca.handler())
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "test-token", clock.NewFake(time.Now()))
	handle, err := client.Issue(context.Background(), []byte("csr-pem"), time.Hour, "token-abc")
	require.NoError(t, err)
	assert.Equal(t, "handle-1", handle)
	assert.Equal(t, "Bearer test-token", ca.lastAuth)
	assert.Equal(t, "token-abc", ca.lastToken)
}

func TestIssueDenied(t *testing.T) {
	ca := &fakeAuthorityServer{denyAll: true}
	srv := httptest.NewServer(ca.handler())
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "test-token", clock.NewFake(time.Now()))
	_, err := client.Issue(context.Background(), []byte("csr-pem"), time.Hour, "token-abc")
	require.ErrorIs(t, err, ErrIssuanceDenied)
	assert.Contains(t, err.Error(), "csr rejected by policy")
}

func TestIssueServerErrorIsNotDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", clock.NewFake(time.Now()))
	_, err := client.Issue(context.Background(), []byte("csr-pem"), time.Hour, "token-abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIssuanceDenied)
}

func TestFetchPollsUntilIssued(t *testing.T) {
	expiry := time.Date(2026, 11, 21, 12, 0, 0, 0, time.UTC)
	ca := &fakeAuthorityServer{pendingPolls: 3, notAfter: expiry}
	srv := httptest.NewServer(ca.handler())
	defer srv.Close()

	fake := clock.NewFake(time.Now())
	client := NewHTTPClient(srv.URL, "test-token", fake)

	issued, err := client.Fetch(context.Background(), "handle-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("leaf-cert-pem"), issued.CertificatePEM)
	assert.Equal(t, []byte("ca-chain-pem"), issued.ChainPEM)
	assert.True(t, expiry.Equal(issued.NotAfter))

	// Backoff doubles: 500ms, 1s, 2s for the three pending polls.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}, fake.Waits())
}

func TestFetchTimesOutWhilePending(t *testing.T) {
	ca := &fakeAuthorityServer{pendingPolls: 1000}
	srv := httptest.NewServer(ca.handler())
	defer srv.Close()

	start := time.Now()
	fake := clock.NewFake(start)
	client := NewHTTPClient(srv.URL, "test-token", fake)

	ctx, cancel := context.WithDeadline(context.Background(), start.Add(5*time.Second))
	defer cancel()

	_, err := client.Fetch(ctx, "handle-1")
	require.ErrorIs(t, err, ErrIssuanceTimeout)
}

func TestFetchUnknownHandle(t *testing.T) {
	ca := &fakeAuthorityServer{}
	srv := httptest.NewServer(ca.handler())
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "test-token", clock.NewFake(time.Now()))
	_, err := client.Fetch(context.Background(), "handle-unknown")
	require.ErrorIs(t, err, ErrUnknownHandle)
	assert.True(t, strings.Contains(err.Error(), "handle-unknown"))
}
