// Package auth verifies the bearer tokens presented at handshake time.
// Token issuance (the /auth/token HTTP endpoint) is an external collaborator
// per spec.md §1/§6 — this package only validates tokens already issued.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the authenticated user carried by a token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager verifies bearer tokens against a shared HMAC secret.
type Manager struct {
	secretKey []byte
}

// NewManager builds a Manager from the configured secret.
func NewManager(secretKey string) *Manager {
	return &Manager{secretKey: []byte(secretKey)}
}

// Generate issues a token for username, used by tests and the load
// generator's mocked account-pool client.
func (m *Manager) Generate(username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "pulsehub",
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates tokenString and returns the claims it carries. Any
// failure (expired, malformed, wrong signing method) is reported
// uniformly to the caller, who closes the connection with a policy-violation
// status per spec.md §4.3 step 2 / §7. The account's disabled flag is not
// consulted: neither Verify nor the Hub's handshake looks it up.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ExtractTokenFromHeader pulls a bearer token out of an Authorization header.
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery pulls a bearer token out of a query parameter, for
// transports (plain WebSocket clients) that can't set custom headers during
// the upgrade handshake.
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("token query parameter missing")
	}
	return token, nil
}

// WebSocketAuth validates the bearer token carried by an upgrade request,
// trying the Authorization header first and falling back to the query
// parameter. This is the first protocol-level header read spec.md §4.3 step 1
// describes.
func (m *Manager) WebSocketAuth(r *http.Request) (*Claims, error) {
	token, err := ExtractTokenFromHeader(r)
	if err != nil {
		token, err = ExtractTokenFromQuery(r)
		if err != nil {
			return nil, fmt.Errorf("no valid token found: %w", err)
		}
	}
	return m.Verify(token)
}
