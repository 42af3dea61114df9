package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mbeoliero/rtchat/pkg/errcode"
)

// Claims represents the session credential claims the client cares about.
// The server signs tokens with "sub" carrying the user id; older tokens
// carry "user_id" instead.
type Claims struct {
	UserId string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GetUserId returns the user id carried by the token
func (c *Claims) GetUserId() string {
	if c.UserId != "" {
		return c.UserId
	}
	return c.RegisteredClaims.Subject
}

// GenerateToken generates a signed token. Used by tests and local tooling.
func GenerateToken(userId string, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// InspectToken decodes the credential without verifying its signature.
// The client holds no signing secret; the server stays the authority and
// this only lets the session fail fast on a credential that is already dead.
func InspectToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errcode.ErrTokenMissing
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, errcode.ErrTokenInvalid.Wrap(err)
	}

	if claims.GetUserId() == "" {
		return nil, errcode.ErrTokenInvalid
	}

	return claims, nil
}

// CheckExpiry returns ErrTokenExpired when the credential is past its expiry at now.
// Tokens without an expiry never expire locally.
func CheckExpiry(claims *Claims, now time.Time) error {
	if claims.ExpiresAt == nil {
		return nil
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return errcode.ErrTokenExpired
	}
	return nil
}
