package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meshworks/fleet-tls/internal/api/http/dto"
	"github.com/meshworks/fleet-tls/internal/simulator"
)

type CAHandler struct {
	authority *simulator.Authority
}

func NewCAHandler(authority *simulator.Authority) *CAHandler {
	return &CAHandler{authority: authority}
}

// IssueCertificate accepts a CSR for asynchronous signing. Policy
// rejections are 422 (fatal for the client); the handle comes back
// immediately and the certificate is fetched later.
func (h *CAHandler) IssueCertificate(ctx *gin.Context) {
	var req dto.IssueCertificateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	validity := time.Duration(req.ValiditySeconds) * time.Second
	handle, err := h.authority.Issue([]byte(req.CSRPEM), validity, req.IdempotencyToken)
	if err != nil {
		if errors.Is(err, simulator.ErrPolicyViolation) {
			slog.Warn("Signing request rejected", "error", err)
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to sign certificate", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign certificate"})
		return
	}

	ctx.JSON(http.StatusAccepted, dto.IssueCertificateResponse{Handle: handle})
}

// GetCertificate returns the signed certificate, or 202 while issuance
// is still pending.
func (h *CAHandler) GetCertificate(ctx *gin.Context) {
	handle := ctx.Param("handle")

	certPEM, chainPEM, notAfter, pending, found := h.authority.Get(handle)
	if !found {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown certificate handle"})
		return
	}
	if pending {
		ctx.JSON(http.StatusAccepted, dto.CertificateStatusResponse{
			Handle: handle,
			Status: dto.CertificateStatusPending,
		})
		return
	}

	ctx.JSON(http.StatusOK, dto.CertificateStatusResponse{
		Handle:         handle,
		Status:         dto.CertificateStatusIssued,
		CertificatePEM: string(certPEM),
		ChainPEM:       string(chainPEM),
		NotAfter:       notAfter,
	})
}
