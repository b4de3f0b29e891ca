package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lllypuk/beacon/internal/middleware"
)

// RouterConfig assembles the middleware chain and route groups.
type RouterConfig struct {
	// Logger receives router events.
	Logger *slog.Logger

	// AuthMiddleware guards the authenticated route group. Nil collapses the
	// authenticated group into the public one.
	AuthMiddleware echo.MiddlewareFunc

	// CORSConfig, LoggingConfig, and RecoveryConfig configure the global
	// middleware chain, applied in recovery-cors-logging order.
	CORSConfig     middleware.CORSConfig
	LoggingConfig  middleware.LoggingConfig
	RecoveryConfig middleware.RecoveryConfig

	// APIPrefix prefixes every API route. Default "/api/v1".
	APIPrefix string
}

// DefaultRouterConfig returns the standard chain under /api/v1.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Logger:         slog.Default(),
		CORSConfig:     middleware.DefaultCORSConfig(),
		LoggingConfig:  middleware.DefaultLoggingConfig(),
		RecoveryConfig: middleware.DefaultRecoveryConfig(),
		APIPrefix:      "/api/v1",
	}
}

// Router owns the Echo instance and its public and authenticated groups.
type Router struct {
	echo   *echo.Echo
	config RouterConfig
	logger *slog.Logger

	public *echo.Group
	auth   *echo.Group
}

// NewRouter wires the global middleware and builds the route groups.
func NewRouter(e *echo.Echo, config RouterConfig) *Router {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.APIPrefix == "" {
		config.APIPrefix = "/api/v1"
	}

	r := &Router{
		echo:   e,
		config: config,
		logger: config.Logger,
	}

	// Recovery first so it catches panics from the rest of the chain.
	e.Use(middleware.RecoveryWithConfig(config.RecoveryConfig))
	e.Use(middleware.CORS(config.CORSConfig))
	e.Use(middleware.Logging(config.LoggingConfig))

	r.public = e.Group(config.APIPrefix)
	if config.AuthMiddleware != nil {
		r.auth = r.public.Group("", config.AuthMiddleware)
	} else {
		r.auth = r.public
		r.logger.Warn("no auth middleware configured, authenticated routes are public")
	}

	return r
}

// Echo exposes the underlying Echo instance.
func (r *Router) Echo() *echo.Echo {
	return r.echo
}

// Public returns the route group that bypasses authentication. WebSocket
// routes live here since they authenticate inside the handler.
func (r *Router) Public() *echo.Group {
	return r.public
}

// Auth returns the route group guarded by the auth middleware.
func (r *Router) Auth() *echo.Group {
	return r.auth
}

// RouteRegistrar is implemented by handlers that register their own routes.
type RouteRegistrar interface {
	RegisterRoutes(r *Router)
}

// RegisterAll lets each registrar attach its routes.
func (r *Router) RegisterAll(registrars ...RouteRegistrar) {
	for _, registrar := range registrars {
		registrar.RegisterRoutes(r)
	}
}

// AuthRouteGroup bundles an authenticated sub-group with role helpers.
type AuthRouteGroup struct {
	group  *echo.Group
	router *Router
}

// NewAuthRouteGroup mounts an authenticated sub-group under prefix.
func (r *Router) NewAuthRouteGroup(prefix string, m ...echo.MiddlewareFunc) *AuthRouteGroup {
	return &AuthRouteGroup{
		group:  r.auth.Group(prefix, m...),
		router: r,
	}
}

// Group returns the underlying echo group.
func (arg *AuthRouteGroup) Group() *echo.Group {
	return arg.group
}

// Route registration shorthands delegating to the underlying group.

func (arg *AuthRouteGroup) GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route {
	return arg.group.GET(path, h, m...)
}

func (arg *AuthRouteGroup) POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route {
	return arg.group.POST(path, h, m...)
}

func (arg *AuthRouteGroup) PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route {
	return arg.group.PUT(path, h, m...)
}

func (arg *AuthRouteGroup) DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route {
	return arg.group.DELETE(path, h, m...)
}

// narrow wraps the group with an extra guard.
func (arg *AuthRouteGroup) narrow(guard echo.MiddlewareFunc) *AuthRouteGroup {
	return &AuthRouteGroup{group: arg.group.Group("", guard), router: arg.router}
}

// RequireRole narrows the group to principals holding the role.
func (arg *AuthRouteGroup) RequireRole(role string) *AuthRouteGroup {
	return arg.narrow(middleware.RequireRole(role))
}

// RequireAdmin narrows the group to administrators.
func (arg *AuthRouteGroup) RequireAdmin() *AuthRouteGroup {
	return arg.narrow(middleware.RequireAdmin())
}

// PrintRoutes dumps the route table at debug level.
func (r *Router) PrintRoutes() {
	for _, route := range r.echo.Routes() {
		r.logger.Debug("registered route",
			slog.String("method", route.Method),
			slog.String("path", route.Path),
			slog.String("name", route.Name),
		)
	}
}

// RegisterMetricsEndpoint serves Prometheus metrics on /metrics, outside
// the API prefix.
func (r *Router) RegisterMetricsEndpoint() {
	r.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
