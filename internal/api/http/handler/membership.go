package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/simulator"
)

type MembershipHandler struct {
	directory *simulator.Directory
}

func NewMembershipHandler(directory *simulator.Directory) *MembershipHandler {
	return &MembershipHandler{directory: directory}
}

// ListMembers returns a group's healthy members only.
func (h *MembershipHandler) ListMembers(ctx *gin.Context) {
	group := ctx.Param("name")

	members, found := h.directory.HealthyMembers(group)
	if !found {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown node group"})
		return
	}

	out := make([]dto.Member, len(members))
	for i, m := range members {
		out[i] = dto.Member{ID: m.ID, Address: m.Address, DNSName: m.DNSName}
	}

	ctx.JSON(http.StatusOK, dto.MembersResponse{
		Group:   group,
		Members: out,
		Count:   len(out),
	})
}
