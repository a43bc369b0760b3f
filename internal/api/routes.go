package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/domain"
	"github.com/meetscribe/transcriber/internal/auth"
	"github.com/meetscribe/transcriber/internal/controller"
	"github.com/meetscribe/transcriber/internal/websocket"
)

const claimsKey = "claims"

// Deps are the collaborators the routes need
type Deps struct {
	ServiceName string
	Controller  *controller.Controller
	Hub         *websocket.Hub
	Tokens      *auth.TokenIssuer
	// AuthRequired rejects requests without a valid token
	AuthRequired bool
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, d Deps) {
	e.GET("/health", func(c echo.Context) error {
		connected, transcribing := d.Controller.Stats()
		return c.JSON(http.StatusOK, HealthResponse{
			Status:           "ok",
			Service:          d.ServiceName,
			ConnectedTabs:    connected,
			TranscribingTabs: transcribing,
		})
	})

	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	// REST mirror of the agent message contract
	v1 := e.Group("/api/v1", requireAuth(d))
	v1.POST("/tabs/:tabId/transcription/start", func(c echo.Context) error {
		return startTranscription(c, d)
	})
	v1.POST("/tabs/:tabId/transcription/stop", func(c echo.Context) error {
		return stopTranscription(c, d)
	})
	v1.GET("/tabs/:tabId/transcription/status", func(c echo.Context) error {
		return transcriptionStatus(c, d)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(c, d)
	}, requireAuth(d))
}

// requireAuth validates the bearer token. Browsers cannot set headers on a
// WebSocket handshake, so a token query parameter is accepted too.
func requireAuth(d Deps) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := auth.BearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				token = c.QueryParam("token")
			}

			if token == "" {
				if !d.AuthRequired {
					return next(c)
				}
				d.Logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := d.Tokens.ValidateToken(token)
			if err != nil {
				d.Logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func claimsFrom(c echo.Context) *auth.JWTClaims {
	claims, _ := c.Get(claimsKey).(*auth.JWTClaims)
	return claims
}

func lookupTab(c echo.Context, d Deps) (*controller.Tab, error) {
	tab, err := d.Controller.Tab(c.Param("tabId"))
	if errors.Is(err, controller.ErrTabNotFound) {
		return nil, c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "tab_not_connected",
			Message: "No capture agent is connected for this tab",
		})
	}
	return tab, err
}

func startTranscription(c echo.Context, d Deps) error {
	var req domain.StartTranscriptionMessage
	if err := c.Bind(&req); err != nil {
		d.Logger.Error("Failed to bind start request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if claims := claimsFrom(c); claims != nil && req.UserID == "" {
		req.UserID = claims.UserID
	}
	if req.Meeting == "" || req.UserID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "meeting and uid are required",
		})
	}

	tab, err := lookupTab(c, d)
	if tab == nil {
		return err
	}

	resp := tab.Start(c.Request().Context(), req)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, resp)
}

func stopTranscription(c echo.Context, d Deps) error {
	tab, err := lookupTab(c, d)
	if tab == nil {
		return err
	}
	tab.Stop(c.Request().Context())
	return c.JSON(http.StatusOK, domain.StopTranscriptionResponse{Success: true})
}

func transcriptionStatus(c echo.Context, d Deps) error {
	tab, err := lookupTab(c, d)
	if tab == nil {
		return err
	}
	return c.JSON(http.StatusOK, tab.Status())
}

// websocketWithAuth upgrades an authenticated agent connection
func websocketWithAuth(c echo.Context, d Deps) error {
	tabID := c.QueryParam("tab_id")
	if tabID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_tab_id",
			Message: "tab_id query parameter is required",
		})
	}

	userID := ""
	if claims := claimsFrom(c); claims != nil {
		if claims.Role != auth.RoleAgent {
			d.Logger.Warn("WebSocket connection rejected: invalid role",
				zap.String("role", claims.Role))
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "invalid_role",
				Message: "Only agent tokens are allowed for WebSocket connections",
			})
		}
		userID = claims.UserID
	}

	d.Logger.Info("WebSocket connection authenticated",
		zap.String("tab_id", tabID),
		zap.String("user_id", userID))

	return websocket.HandleWebSocketWithAuth(d.Hub, c, tabID, userID, d.Logger)
}
