package api

import "time"

// TokenRequest represents the request payload for client token issuance
type TokenRequest struct {
	ClientID string `json:"client_id" validate:"required"`
}

// TokenResponse represents the response payload for client token issuance
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
