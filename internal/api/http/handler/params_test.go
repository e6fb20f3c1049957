package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupParamsRouter(h *ParamsHandler) *gin.Engine {
	r := gin.New()
	r.UseRawPath = true
	r.PUT("/api/v1/parameters/:name", h.PutParameter)
	r.GET("/api/v1/parameters/:name", h.GetParameter)
	return r
}

func TestPutAndGetParameter(t *testing.T) {
	r := setupParamsRouter(NewParamsHandler(simulator.NewParamStore()))

	body, _ := json.Marshal(dto.PutParameterRequest{Value: "chain-pem", Type: "SecureString"})
	req, _ := http.NewRequest("PUT", "/api/v1/parameters/fleet%2Fbackbone-prod%2Fca-bundle", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var putResp dto.ParameterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &putResp))
	assert.Equal(t, "fleet/backbone-prod/ca-bundle", putResp.Name)
	assert.Equal(t, 1, putResp.Version)

	req, _ = http.NewRequest("GET", "/api/v1/parameters/fleet%2Fbackbone-prod%2Fca-bundle", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var getResp dto.ParameterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &getResp))
	assert.Equal(t, "chain-pem", getResp.Value)
	assert.Equal(t, "SecureString", getResp.Type)
}

func TestGetParameterNotFound(t *testing.T) {
	r := setupParamsRouter(NewParamsHandler(simulator.NewParamStore()))

	req, _ := http.NewRequest("GET", "/api/v1/parameters/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
