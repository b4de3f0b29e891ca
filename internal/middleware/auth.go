package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type contextKey string

// Context keys under which the auth middleware stores principal data.
const (
	// ContextKeyPrincipal is the context key for the authenticated principal.
	ContextKeyPrincipal contextKey = "principal"

	// ContextKeyUsername is the context key for username.
	ContextKeyUsername contextKey = "username"

	// ContextKeyRoles is the context key for principal roles.
	ContextKeyRoles contextKey = "roles"

	// ContextKeyIsAdmin is the context key for the admin flag.
	ContextKeyIsAdmin contextKey = "is_admin"
)

// Auth errors.
var (
	ErrMissingAuthHeader       = errors.New("missing authorization header")
	ErrInvalidAuthHeader       = errors.New("invalid authorization header format")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// TokenClaims represents the claims extracted from a JWT token.
type TokenClaims struct {
	// Subject is the principal identity carried by the token.
	Subject string

	// Username is the human-readable name, when the token carries one.
	Username string

	// Roles is a list of roles granted to the principal.
	Roles []string

	// IsAdmin indicates if the principal is an administrator.
	IsAdmin bool

	// ExpiresAt is the token expiration time.
	ExpiresAt time.Time
}

// TokenValidator validates bearer tokens and extracts their claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*TokenClaims, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Logger is the structured logger for auth events.
	Logger *slog.Logger

	// TokenValidator validates JWT tokens.
	TokenValidator TokenValidator

	// SkipPaths are paths that don't require authentication.
	SkipPaths []string
}

// DefaultAuthConfig returns an AuthConfig with sensible defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Logger:    slog.Default(),
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	}
}

// Auth returns a middleware that authenticates requests with a bearer token.
// Requests to SkipPaths pass through untouched; everything else must present
// a token the validator accepts, and the resulting claims are stored on the
// echo context for handlers to read via GetPrincipal and friends.
func Auth(config AuthConfig) echo.MiddlewareFunc {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if _, ok := skip[path]; ok {
				return next(c)
			}

			token, tokenErr := extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if tokenErr != nil {
				return respondAuthError(c, tokenErr)
			}

			if config.TokenValidator == nil {
				config.Logger.Error("token validator not configured")
				return respondAuthError(c, ErrInvalidToken)
			}

			claims, validateErr := config.TokenValidator.ValidateToken(c.Request().Context(), token)
			if validateErr != nil {
				config.Logger.Warn("token validation failed",
					slog.String("error", validateErr.Error()),
					slog.String("path", path),
					slog.String("remote_ip", c.RealIP()),
				)
				return respondAuthError(c, validateErr)
			}

			storeClaims(c, claims)

			config.Logger.Debug("principal authenticated",
				slog.String("principal", claims.Subject),
				slog.String("path", path),
			)

			return next(c)
		}
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAuthHeader
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

func storeClaims(c echo.Context, claims *TokenClaims) {
	c.Set(string(ContextKeyPrincipal), claims.Subject)
	c.Set(string(ContextKeyUsername), claims.Username)
	c.Set(string(ContextKeyRoles), claims.Roles)
	c.Set(string(ContextKeyIsAdmin), claims.IsAdmin)
}

// respondAuthError maps an auth error to its HTTP envelope.
func respondAuthError(c echo.Context, err error) error {
	status := http.StatusUnauthorized
	code := "UNAUTHORIZED"
	var message string

	switch {
	case errors.Is(err, ErrMissingAuthHeader):
		message = "Missing authorization header"
	case errors.Is(err, ErrInvalidAuthHeader):
		message = "Invalid authorization header format"
	case errors.Is(err, ErrTokenExpired):
		status, code, message = http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired"
	case errors.Is(err, ErrInsufficientPermissions):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "Insufficient permissions"
	default:
		message = "Invalid token"
	}

	return c.JSON(status, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// GetPrincipal returns the authenticated principal, or "" when the request
// was not authenticated.
func GetPrincipal(c echo.Context) string {
	principal, _ := c.Get(string(ContextKeyPrincipal)).(string)
	return principal
}

// GetUsername returns the principal's username, when the token carried one.
func GetUsername(c echo.Context) string {
	username, _ := c.Get(string(ContextKeyUsername)).(string)
	return username
}

// GetRoles returns the roles granted to the current principal.
func GetRoles(c echo.Context) []string {
	roles, _ := c.Get(string(ContextKeyRoles)).([]string)
	return roles
}

// IsAdmin reports whether the current principal is an administrator.
func IsAdmin(c echo.Context) bool {
	isAdmin, _ := c.Get(string(ContextKeyIsAdmin)).(bool)
	return isAdmin
}

// HasRole reports whether the current principal holds the given role.
func HasRole(c echo.Context, role string) bool {
	return slices.Contains(GetRoles(c), role)
}

// RequireRole returns a middleware rejecting principals without the role.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(c, role) {
				return respondAuthError(c, ErrInsufficientPermissions)
			}
			return next(c)
		}
	}
}

// RequireAdmin returns a middleware rejecting non-admin principals.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !IsAdmin(c) {
				return respondAuthError(c, ErrInsufficientPermissions)
			}
			return next(c)
		}
	}
}

// StaticTokenValidator accepts tokens of the form "dev-token-<principal>".
// It backs mock mode only; real deployments validate JWTs.
type StaticTokenValidator struct{}

// NewStaticTokenValidator creates a new static token validator.
func NewStaticTokenValidator() *StaticTokenValidator {
	return &StaticTokenValidator{}
}

const devTokenTTL = 24 * time.Hour

// ValidateToken validates a development token.
func (v *StaticTokenValidator) ValidateToken(_ context.Context, token string) (*TokenClaims, error) {
	principal, ok := strings.CutPrefix(token, "dev-token-")
	if !ok || principal == "" {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		Subject:   principal,
		Username:  "dev-user-" + principal,
		Roles:     []string{"user"},
		ExpiresAt: time.Now().Add(devTokenTTL),
	}, nil
}
