package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SandboxClaims are the claims of a sandbox-scoped access token, returned
// to the caller on create so SDKs can address one sandbox without holding
// the service API key.
type SandboxClaims struct {
	jwt.RegisteredClaims
	SandboxID string `json:"sandbox_id"`
}

// JWTIssuer creates and validates sandbox-scoped JWTs.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates an issuer with the given shared secret.
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// IssueSandboxToken creates a token scoped to one sandbox.
func (j *JWTIssuer) IssueSandboxToken(sandboxID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SandboxClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sandboxID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "fcsandbox",
		},
		SandboxID: sandboxID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateSandboxToken parses and validates a sandbox-scoped token.
func (j *JWTIssuer) ValidateSandboxToken(tokenStr string) (*SandboxClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SandboxClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*SandboxClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
