package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meshworks/fleet-tls/internal/api/http/dto"
)

var ErrNotFound = errors.New("parameter not found")

// Store is the durable, versioned parameter store. It holds only the
// shared CA trust bundle; per-node private keys never pass through it.
type Store interface {
	Put(ctx context.Context, name, value, paramType string) (int, error)
	Get(ctx context.Context, name string) (string, error)
}

// HTTPStore talks to the parameter-store HTTP API.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, name, value, paramType string) (int, error) {
	reqBody, err := json.Marshal(dto.PutParameterRequest{Value: value, Type: paramType})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal parameter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.paramURL(name), bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("failed to build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach parameter store: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read put response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("parameter put failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var paramResp dto.ParameterResponse
	if err := json.Unmarshal(body, &paramResp); err != nil {
		return 0, fmt.Errorf("failed to parse put response: %w", err)
	}
	return paramResp.Version, nil
}

func (s *HTTPStore) Get(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.paramURL(name), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build get request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach parameter store: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read get response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("parameter get failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var paramResp dto.ParameterResponse
	if err := json.Unmarshal(body, &paramResp); err != nil {
		return "", fmt.Errorf("failed to parse get response: %w", err)
	}
	return paramResp.Value, nil
}

func (s *HTTPStore) paramURL(name string) string {
	return s.baseURL + "/api/v1/parameters/" + strings.ReplaceAll(name, "/", "%2F")
}

// FileStore keeps parameters on local disk for air-gapped runs. Each
// parameter is one file; the version counts writes.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, name, value, paramType string) (int, error) {
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, fmt.Errorf("failed to create parameter directory: %w", err)
	}

	version := 1
	if data, err := os.ReadFile(path + ".version"); err == nil {
		if prev, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			version = prev + 1
		}
	}

	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return 0, fmt.Errorf("failed to write parameter: %w", err)
	}
	if err := os.WriteFile(path+".version", []byte(strconv.Itoa(version)), 0o600); err != nil {
		return 0, fmt.Errorf("failed to write parameter version: %w", err)
	}
	return version, nil
}

func (s *FileStore) Get(ctx context.Context, name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to read parameter: %w", err)
	}
	return string(data), nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}
