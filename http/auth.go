package http

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// RelayerAuth issues and validates the HS256 bearer tokens that gate the
// settle endpoints. The token subject names the relayer presenting permits.
type RelayerAuth struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewRelayerAuth creates an auth manager with the given secret and token
// lifetime. secretKey should be a strong random string (e.g., 32 bytes).
func NewRelayerAuth(secretKey string, tokenDuration time.Duration) *RelayerAuth {
	return &RelayerAuth{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Issue creates a token for the given relayer.
func (a *RelayerAuth) Issue(relayer string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   relayer,
		ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenDuration)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// Validate parses a token and returns the relayer subject if valid.
func (a *RelayerAuth) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secretKey, nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
