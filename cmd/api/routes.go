package main

import (
	"github.com/labstack/echo/v4"

	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
	"github.com/lllypuk/beacon/internal/middleware"
)

// SetupRoutes assembles the router, the middleware chain and every handler
// the API serves.
func SetupRoutes(c *Container) *httpserver.Router {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	routerConfig := httpserver.RouterConfig{
		Logger: c.Logger,
		AuthMiddleware: middleware.Auth(middleware.AuthConfig{
			Logger:         c.Logger,
			TokenValidator: c.TokenValidator,
			SkipPaths: []string{"/health", "/ready", "/health/details", "/metrics"},
		}),
		CORSConfig:     middleware.DefaultCORSConfig(),
		LoggingConfig:  middleware.DefaultLoggingConfig(),
		RecoveryConfig: middleware.DefaultRecoveryConfig(),
		APIPrefix:      "/api/v1",
	}

	router := httpserver.NewRouter(e, routerConfig)

	// Container implements httpserver.HealthChecker, so health endpoints get
	// per-component status with request-scoped contexts.
	router.RegisterHealthEndpointsWithChecker(c)
	router.RegisterMetricsEndpoint()

	router.RegisterAll(c.ScheduleHandler, c.OperationHandler)

	// The websocket endpoint authenticates inside the handler: browsers
	// cannot set the Authorization header on websocket dials, so the token
	// arrives as a query parameter instead.
	c.WSHandler.RegisterRoutesWithGroup(router.Public())

	if c.Config.IsDevelopment() {
		router.PrintRoutes()
	}

	return router
}
