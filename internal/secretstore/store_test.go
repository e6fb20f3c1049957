package secretstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePutAndGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	version, err := store.Put(context.Background(), "fleet/backbone-prod/ca-bundle", "chain-pem", "SecureString")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	value, err := store.Get(context.Background(), "fleet/backbone-prod/ca-bundle")
	require.NoError(t, err)
	assert.Equal(t, "chain-pem", value)
}

func TestFileStoreVersionIncrements(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := store.Put(ctx, "fleet/backbone-prod/ca-bundle", "chain-v1", "SecureString")
	require.NoError(t, err)
	v2, err := store.Put(ctx, "fleet/backbone-prod/ca-bundle", "chain-v2", "SecureString")
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)

	value, err := store.Get(ctx, "fleet/backbone-prod/ca-bundle")
	require.NoError(t, err)
	assert.Equal(t, "chain-v2", value)
}

func TestFileStoreGetNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "fleet/missing/ca-bundle")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStorePutAndGet(t *testing.T) {
	var mu sync.Mutex
	params := make(map[string]dto.ParameterResponse)

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v1/parameters/{name}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		var req dto.PutParameterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		name := r.PathValue("name")
		p := params[name]
		p.Name = name
		p.Value = req.Value
		p.Type = req.Type
		p.Version++
		params[name] = p
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("GET /api/v1/parameters/{name}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		p, ok := params[r.PathValue("name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(p)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewHTTPStore(srv.URL)
	ctx := context.Background()

	v1, err := store.Put(ctx, "fleet/backbone-prod/ca-bundle", "chain-v1", "SecureString")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	v2, err := store.Put(ctx, "fleet/backbone-prod/ca-bundle", "chain-v2", "SecureString")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	value, err := store.Get(ctx, "fleet/backbone-prod/ca-bundle")
	require.NoError(t, err)
	assert.Equal(t, "chain-v2", value)
}

func TestHTTPStoreGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPStore(srv.URL).Get(context.Background(), "fleet/backbone-prod/ca-bundle")
	assert.ErrorIs(t, err, ErrNotFound)
}
