package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/simulator"
)

type CommandHandler struct {
	channel *simulator.CommandChannel
}

func NewCommandHandler(channel *simulator.CommandChannel) *CommandHandler {
	return &CommandHandler{channel: channel}
}

func (h *CommandHandler) SubmitCommand(ctx *gin.Context) {
	var req dto.SubmitCommandRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	commandID, err := h.channel.Submit(req.NodeAddress, req.Payload)
	if err != nil {
		slog.Warn("Command rejected", "node_address", req.NodeAddress, "error", err)
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusCreated, dto.SubmitCommandResponse{CommandID: commandID})
}

func (h *CommandHandler) GetCommandStatus(ctx *gin.Context) {
	commandID := ctx.Param("id")

	cmd, found := h.channel.Status(commandID)
	if !found {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown command id"})
		return
	}

	ctx.JSON(http.StatusOK, dto.CommandStatusResponse{
		CommandID:   cmd.CommandID,
		NodeAddress: cmd.NodeAddress,
		Status:      string(cmd.Status),
		Stdout:      cmd.Stdout,
		Stderr:      cmd.Stderr,
		SubmittedAt: cmd.SubmittedAt,
	})
}
