package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/beacon/internal/infrastructure/auth"
	"github.com/lllypuk/beacon/internal/middleware"
)

const (
	testSecret = "test-signing-secret"
	testKeyID  = "test-key-id"
)

// signHMAC creates an HS256-signed token for testing.
func signHMAC(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return tokenString
}

func standardClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":                "user-123",
		"preferred_username": "testuser",
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"roles":              []any{"user", "operator"},
	}
}

func newSecretValidator(t *testing.T) *auth.JWTValidator {
	t.Helper()
	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{Secret: testSecret})
	require.NoError(t, err)
	t.Cleanup(func() { _ = validator.Close() })
	return validator
}

func TestNewJWTValidator_NoKeySource(t *testing.T) {
	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{})
	require.Error(t, err)
	assert.Nil(t, validator)
	assert.ErrorIs(t, err, auth.ErrNoKeySource)
}

func TestJWTValidator_ValidateToken_Secret(t *testing.T) {
	validator := newSecretValidator(t)

	tokenString := signHMAC(t, testSecret, standardClaims())

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "testuser", claims.Username)
	assert.Equal(t, []string{"user", "operator"}, claims.Roles)
	assert.False(t, claims.IsAdmin)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestJWTValidator_ValidateToken_AdminRole(t *testing.T) {
	validator := newSecretValidator(t)

	mapClaims := standardClaims()
	mapClaims["roles"] = []any{"user", "admin"}
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestJWTValidator_ValidateToken_AdminFlag(t *testing.T) {
	validator := newSecretValidator(t)

	mapClaims := standardClaims()
	mapClaims["is_admin"] = true
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestJWTValidator_ValidateToken_Expired(t *testing.T) {
	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{
		Secret: testSecret,
		Leeway: time.Second,
	})
	require.NoError(t, err)

	mapClaims := standardClaims()
	mapClaims["exp"] = time.Now().Add(-time.Hour).Unix()
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrTokenExpired)
}

func TestJWTValidator_ValidateToken_WrongSecret(t *testing.T) {
	validator := newSecretValidator(t)

	tokenString := signHMAC(t, "some-other-secret", standardClaims())

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestJWTValidator_ValidateToken_MissingSubject(t *testing.T) {
	validator := newSecretValidator(t)

	mapClaims := standardClaims()
	delete(mapClaims, "sub")
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestJWTValidator_ValidateToken_MissingExpiration(t *testing.T) {
	validator := newSecretValidator(t)

	mapClaims := standardClaims()
	delete(mapClaims, "exp")
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestJWTValidator_ValidateToken_IssuerMismatch(t *testing.T) {
	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{
		Secret: testSecret,
		Issuer: "https://auth.example.com",
	})
	require.NoError(t, err)

	mapClaims := standardClaims()
	mapClaims["iss"] = "https://someone-else.example.com"
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestJWTValidator_ValidateToken_Empty(t *testing.T) {
	validator := newSecretValidator(t)

	claims, err := validator.ValidateToken(context.Background(), "")
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestJWTValidator_ValidateToken_Malformed(t *testing.T) {
	validator := newSecretValidator(t)

	claims, err := validator.ValidateToken(context.Background(), "not.a.token")
	require.Error(t, err)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestJWTValidator_ValidateToken_UsernameFallback(t *testing.T) {
	validator := newSecretValidator(t)

	mapClaims := standardClaims()
	delete(mapClaims, "preferred_username")
	mapClaims["username"] = "fallback-user"
	tokenString := signHMAC(t, testSecret, mapClaims)

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, "fallback-user", claims.Username)
}

// JWKS mode tests use a local server holding an RSA key pair.

type testKeys struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

func generateTestKeys(t *testing.T) *testKeys {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testKeys{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}
}

func jwksResponse(t *testing.T, keys *testKeys) []byte {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(keys.publicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(keys.publicKey.E)).Bytes())

	response := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": testKeyID,
				"n":   n,
				"e":   e,
			},
		},
	}

	data, err := json.Marshal(response)
	require.NoError(t, err)
	return data
}

func setupJWKSServer(t *testing.T, keys *testKeys) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jwksResponse(t, keys))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func signRSA(t *testing.T, keys *testKeys, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	tokenString, err := token.SignedString(keys.privateKey)
	require.NoError(t, err)
	return tokenString
}

func TestJWTValidator_JWKS(t *testing.T) {
	keys := generateTestKeys(t)
	server := setupJWKSServer(t, keys)

	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{
		JWKSURL: server.URL + "/jwks.json",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = validator.Close() })

	t.Run("valid token", func(t *testing.T) {
		tokenString := signRSA(t, keys, standardClaims())

		claims, validateErr := validator.ValidateToken(context.Background(), tokenString)
		require.NoError(t, validateErr)
		assert.Equal(t, "user-123", claims.Subject)
	})

	t.Run("token signed with unknown key", func(t *testing.T) {
		otherKeys := generateTestKeys(t)
		tokenString := signRSA(t, otherKeys, standardClaims())

		claims, validateErr := validator.ValidateToken(context.Background(), tokenString)
		require.Error(t, validateErr)
		assert.Nil(t, claims)
		assert.ErrorIs(t, validateErr, middleware.ErrInvalidToken)
	})
}

func TestJWTValidator_JWKS_TakesPrecedenceOverSecret(t *testing.T) {
	keys := generateTestKeys(t)
	server := setupJWKSServer(t, keys)

	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{
		Secret:  testSecret,
		JWKSURL: server.URL + "/jwks.json",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = validator.Close() })

	// An HMAC token must not be accepted when JWKS is configured.
	tokenString := signHMAC(t, testSecret, standardClaims())

	claims, err := validator.ValidateToken(context.Background(), tokenString)
	require.Error(t, err)
	assert.Nil(t, claims)
}

func TestJWTValidator_JWKS_FetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{
		JWKSURL: server.URL + "/jwks.json",
	})
	require.Error(t, err)
	assert.Nil(t, validator)
	assert.ErrorIs(t, err, auth.ErrJWKSFetchFailed)
}

func TestJWTValidator_Close(t *testing.T) {
	validator := newSecretValidator(t)
	assert.NoError(t, validator.Close())
}
