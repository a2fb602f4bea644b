package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kaungkhant-thar/chat-app/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the result of verifying a bearer token. Token issuance lives in
// the external auth service; this package only consumes tokens.
type Identity struct {
	UserID string
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	case config.AuthModeStatic:
		return StaticVerifier{Tokens: cfg.StaticTokens}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// StaticVerifier resolves opaque tokens against a fixed token->userID map.
// Intended for development and tests.
type StaticVerifier struct {
	Tokens map[string]string
}

func (v StaticVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	for expected, userID := range v.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
			return Identity{UserID: userID}, nil
		}
	}
	return Identity{}, ErrInvalidCredentials
}

// TokenFromRequest extracts the bearer token from an HTTP request: the
// Authorization header is preferred, the `token` query parameter is the
// fallback for browser WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// IsUnauthorized reports whether err should be treated as an authentication
// failure rather than an internal error.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUnsupportedJWT)
}
