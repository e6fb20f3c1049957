package dto

type PutParameterRequest struct {
	Value string `json:"value" binding:"required"`
	Type  string `json:"type"`
}

type ParameterResponse struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Type    string `json:"type"`
	Version int    `json:"version"`
}
