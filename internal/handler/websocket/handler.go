// Package websocket exposes the HTTP endpoint that upgrades watcher
// connections onto the live progress hub.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	ws "github.com/lllypuk/beacon/internal/infrastructure/websocket"
	"github.com/lllypuk/beacon/internal/middleware"
)

const (
	defaultHandlerReadBufferSize  = 1024
	defaultHandlerWriteBufferSize = 1024
)

// TokenValidator checks a bearer token and returns its claims.
// Declared on the consumer side per project guidelines.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*middleware.TokenClaims, error)
}

// Handler upgrades watcher requests to WebSocket connections and hands them
// to the hub. Subscribing to specific operations happens later, over the
// connection itself, via join messages.
type Handler struct {
	hub            *ws.Hub
	joiner         ws.OperationJoiner
	upgrader       websocket.Upgrader
	tokenValidator TokenValidator
	logger         *slog.Logger
	clientConfig   ws.ClientConfig
}

// HandlerConfig tunes the upgrader and the clients it produces. A nil
// CheckOrigin keeps the permissive default, which is only suitable for
// development.
type HandlerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *slog.Logger
	ClientConfig    ws.ClientConfig
}

// DefaultHandlerConfig returns a default configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadBufferSize:  defaultHandlerReadBufferSize,
		WriteBufferSize: defaultHandlerWriteBufferSize,
		Logger:          slog.Default(),
		ClientConfig:    ws.DefaultClientConfig(),
	}
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTokenValidator enables query-parameter and header token auth for
// connections that did not pass through the auth middleware.
func WithTokenValidator(validator TokenValidator) HandlerOption {
	return func(h *Handler) {
		h.tokenValidator = validator
	}
}

// WithHandlerConfig applies a full HandlerConfig.
func WithHandlerConfig(config HandlerConfig) HandlerOption {
	return func(h *Handler) {
		h.upgrader.ReadBufferSize = config.ReadBufferSize
		h.upgrader.WriteBufferSize = config.WriteBufferSize
		if config.CheckOrigin != nil {
			h.upgrader.CheckOrigin = config.CheckOrigin
		}
		if config.Logger != nil {
			h.logger = config.Logger
		}
		h.clientConfig = config.ClientConfig
	}
}

// NewHandler creates a WebSocket handler backed by the given hub and joiner.
func NewHandler(hub *ws.Hub, joiner ws.OperationJoiner, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:    hub,
		joiner: joiner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaultHandlerReadBufferSize,
			WriteBufferSize: defaultHandlerWriteBufferSize,
			// Permissive origin check; override via WithHandlerConfig
			// outside development.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		logger:       slog.Default(),
		clientConfig: ws.DefaultClientConfig(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// HandleWebSocket authenticates the request, upgrades it and starts the
// client pumps. The principal comes from the auth middleware when the route
// is behind it, otherwise from a token query parameter or Bearer header;
// browsers cannot set headers on WebSocket requests, hence the query form.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	principal := h.resolvePrincipal(c)
	if principal == "" {
		h.logger.Warn("websocket connection rejected: authentication required",
			slog.String("remote_ip", c.RealIP()),
		)
		return c.JSON(http.StatusUnauthorized, map[string]any{
			"success": false,
			"error": map[string]string{
				"code":    "UNAUTHORIZED",
				"message": "Authentication required",
			},
		})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written its own error response.
		h.logger.Error("websocket upgrade failed",
			slog.String("principal", principal),
			slog.String("error", err.Error()),
		)
		return nil
	}

	client := ws.NewClient(h.hub, conn, h.joiner, principal,
		ws.WithClientConfig(h.clientConfig),
		ws.WithClientLogger(h.logger),
	)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("websocket connection established",
		slog.String("principal", principal),
		slog.String("remote_ip", c.RealIP()),
	)
	return nil
}

// resolvePrincipal returns the authenticated identity for the request, or ""
// when none of the auth paths produce one.
func (h *Handler) resolvePrincipal(c echo.Context) string {
	if principal := middleware.GetPrincipal(c); principal != "" {
		return principal
	}

	token := c.QueryParam("token")
	if token == "" {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			token = after
		}
	}
	if token == "" || h.tokenValidator == nil {
		return ""
	}

	claims, err := h.tokenValidator.ValidateToken(c.Request().Context(), token)
	if err != nil {
		h.logger.Debug("token validation failed", slog.String("error", err.Error()))
		return ""
	}
	return claims.Subject
}

// RegisterRoutes registers the endpoint on an Echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// RegisterRoutesWithGroup registers the endpoint on an Echo group.
func (h *Handler) RegisterRoutesWithGroup(g *echo.Group) {
	g.GET("/ws", h.HandleWebSocket)
}
