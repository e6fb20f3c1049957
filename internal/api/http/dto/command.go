package dto

import (
	"encoding/json"
	"time"
)

type SubmitCommandRequest struct {
	NodeAddress string          `json:"node_address" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
}

type SubmitCommandResponse struct {
	CommandID string `json:"command_id"`
}

type CommandStatusResponse struct {
	CommandID   string    `json:"command_id"`
	NodeAddress string    `json:"node_address"`
	Status      string    `json:"status"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}
