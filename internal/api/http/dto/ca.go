package dto

import "time"

const (
	CertificateStatusPending = "pending"
	CertificateStatusIssued  = "issued"
)

type IssueCertificateRequest struct {
	CSRPEM           string `json:"csr_pem" binding:"required"`
	ValiditySeconds  int64  `json:"validity_seconds" binding:"required"`
	IdempotencyToken string `json:"idempotency_token" binding:"required"`
}

type IssueCertificateResponse struct {
	Handle string `json:"handle"`
}

type CertificateStatusResponse struct {
	Handle         string    `json:"handle"`
	Status         string    `json:"status"`
	CertificatePEM string    `json:"certificate_pem,omitempty"`
	ChainPEM       string    `json:"chain_pem,omitempty"`
	NotAfter       time.Time `json:"not_after,omitzero"`
}
