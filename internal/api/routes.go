package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/auth"
	"github.com/lumenlabs/voicerag/internal/relay"
)

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, gateway *relay.Gateway, jwtSecret []byte, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"service":  "voicerag-relay",
			"sessions": gateway.ActiveSessions(),
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Client token issuance
	v1.POST("/token", func(c echo.Context) error {
		return issueToken(c, jwtSecret, logger)
	})

	// Realtime session endpoint with JWT validation
	e.GET("/realtime", func(c echo.Context) error {
		return realtimeWithAuth(gateway, c, jwtSecret, logger)
	})

	// Static client bundle
	e.File("/", "static/index.html")
	e.Static("/static", "static")
}

func issueToken(c echo.Context, jwtSecret []byte, logger *zap.Logger) error {
	var req TokenRequest

	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	token, err := auth.GenerateClientToken(jwtSecret, req.ClientID)
	if err != nil {
		logger.Error("Failed to generate client token",
			zap.String("client_id", req.ClientID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate session token",
		})
	}

	logger.Info("Client token issued", zap.String("client_id", req.ClientID))

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(auth.TokenTTL),
		ClientID:  req.ClientID,
	})
}

// realtimeWithAuth validates the bearer token, then hands the connection to
// the gateway.
func realtimeWithAuth(gateway *relay.Gateway, c echo.Context, jwtSecret []byte, logger *zap.Logger) error {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}
	if token == "" {
		// Browser WebSocket clients cannot set headers; allow the token as
		// a query parameter.
		token = c.QueryParam("token")
	}

	if token == "" {
		logger.Warn("Realtime connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "Session token is required",
		})
	}

	claims, err := auth.ValidateToken(jwtSecret, token)
	if err != nil {
		logger.Warn("Realtime connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired session token",
		})
	}

	if claims.Role != "client" {
		logger.Warn("Realtime connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only client tokens may open realtime sessions",
		})
	}

	logger.Info("Realtime connection authenticated",
		zap.String("client_id", claims.ClientID))

	return gateway.Handle(c, claims.ClientID)
}
