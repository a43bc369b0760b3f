package api

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	ConnectedTabs    int    `json:"connected_tabs"`
	TranscribingTabs int    `json:"transcribing_tabs"`
}
