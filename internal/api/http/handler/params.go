package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/simulator"
)

type ParamsHandler struct {
	store *simulator.ParamStore
}

func NewParamsHandler(store *simulator.ParamStore) *ParamsHandler {
	return &ParamsHandler{store: store}
}

func (h *ParamsHandler) PutParameter(ctx *gin.Context) {
	name := ctx.Param("name")

	var req dto.PutParameterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	version := h.store.Put(name, req.Value, req.Type)
	ctx.JSON(http.StatusOK, dto.ParameterResponse{
		Name:    name,
		Value:   req.Value,
		Type:    req.Type,
		Version: version,
	})
}

func (h *ParamsHandler) GetParameter(ctx *gin.Context) {
	name := ctx.Param("name")

	value, paramType, version, found := h.store.Get(name)
	if !found {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "parameter not found"})
		return
	}

	ctx.JSON(http.StatusOK, dto.ParameterResponse{
		Name:    name,
		Value:   value,
		Type:    paramType,
		Version: version,
	})
}
