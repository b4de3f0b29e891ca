// Package auth implements JWT token validation backing the auth middleware.
// Tokens are verified either against a shared HMAC secret or against a JWKS
// endpoint with background key refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lllypuk/beacon/internal/middleware"
)

// Validator setup errors.
var (
	ErrNoKeySource     = errors.New("either a JWT secret or a JWKS URL is required")
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")
)

// Default validation tolerances.
const (
	DefaultLeeway          = 30 * time.Second
	DefaultRefreshInterval = 1 * time.Hour
)

// ValidatorConfig configures a JWTValidator. Exactly one key source is used:
// JWKSURL takes precedence over Secret when both are set.
type ValidatorConfig struct {
	// Secret is the shared HMAC signing secret.
	Secret string

	// JWKSURL is the endpoint serving the signing keys.
	JWKSURL string

	// Issuer, when non-empty, is required to match the token's iss claim.
	Issuer string

	// Leeway is the clock skew tolerance.
	Leeway time.Duration

	// RefreshInterval is how often the JWKS cache is refreshed.
	RefreshInterval time.Duration

	Logger *slog.Logger
}

// JWTValidator validates bearer tokens and maps them to principal claims.
// It implements the token validator contract of the auth middleware.
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	config  ValidatorConfig
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewJWTValidator creates a validator from the configured key source.
func NewJWTValidator(config ValidatorConfig) (*JWTValidator, error) {
	if config.Secret == "" && config.JWKSURL == "" {
		return nil, ErrNoKeySource
	}
	if config.Leeway == 0 {
		config.Leeway = DefaultLeeway
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &JWTValidator{
		config: config,
		logger: logger,
	}

	if config.JWKSURL != "" {
		ctx, cancel := context.WithCancel(context.Background())

		storage, err := jwkset.NewStorageFromHTTP(config.JWKSURL, jwkset.HTTPClientStorageOptions{
			Ctx:             ctx,
			RefreshInterval: config.RefreshInterval,
			RefreshErrorHandler: func(_ context.Context, refreshErr error) {
				logger.Error("failed to refresh JWKS", slog.Any("error", refreshErr))
			},
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
		}

		jwks, err := keyfunc.New(keyfunc.Options{
			Ctx:     ctx,
			Storage: storage,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
		}

		v.keyfunc = jwks.Keyfunc
		v.cancel = cancel
		logger.Info("JWT validator initialized",
			slog.String("key_source", "jwks"),
			slog.String("jwks_url", config.JWKSURL),
			slog.Duration("refresh_interval", config.RefreshInterval),
		)
		return v, nil
	}

	secret := []byte(config.Secret)
	v.keyfunc = func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %s", jwt.ErrTokenUnverifiable, token.Method.Alg())
		}
		return secret, nil
	}
	logger.Info("JWT validator initialized", slog.String("key_source", "secret"))
	return v, nil
}

// ValidateToken parses and validates a token, returning the principal claims.
func (v *JWTValidator) ValidateToken(_ context.Context, tokenString string) (*middleware.TokenClaims, error) {
	if tokenString == "" {
		return nil, middleware.ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithLeeway(v.config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if v.config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.config.Issuer))
	}

	token, err := jwt.Parse(tokenString, v.keyfunc, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", middleware.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", middleware.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, middleware.ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, middleware.ErrInvalidToken
	}
	return extractClaims(mapClaims)
}

// Close stops the background JWKS refresh, if any.
func (v *JWTValidator) Close() error {
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}

func extractClaims(claims jwt.MapClaims) (*middleware.TokenClaims, error) {
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim", middleware.ErrInvalidToken)
	}

	tc := &middleware.TokenClaims{
		Subject: subject,
	}
	tc.Username, _ = claims["preferred_username"].(string)
	if tc.Username == "" {
		tc.Username, _ = claims["username"].(string)
	}

	if roles, ok := claims["roles"].([]any); ok {
		tc.Roles = make([]string, 0, len(roles))
		for _, role := range roles {
			if r, isString := role.(string); isString {
				tc.Roles = append(tc.Roles, r)
				if r == "admin" {
					tc.IsAdmin = true
				}
			}
		}
	}
	if isAdmin, ok := claims["is_admin"].(bool); ok && isAdmin {
		tc.IsAdmin = true
	}

	if exp, ok := claims["exp"].(float64); ok {
		tc.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return tc, nil
}
