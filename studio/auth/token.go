package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access token claims a session relies on.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

var unverifiedParser = jwt.NewParser()

// Decode reads the claims of a JWT without verifying its signature. Any signing
// algorithm is accepted. It returns nil for malformed tokens, including a token
// whose header segment is not valid JSON even when its payload is, so such a
// token counts as expired.
func Decode(token string) *Claims {
	var claims Claims
	if _, _, err := unverifiedParser.ParseUnverified(token, &claims); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil
	}
	return &claims
}

// Remaining returns the lifetime left on a token. ok is false when the token has no readable expiry.
func Remaining(token string, now time.Time) (remaining time.Duration, ok bool) {
	claims := Decode(token)
	if claims == nil || claims.ExpiresAt == nil {
		return 0, false
	}
	return claims.ExpiresAt.Sub(now), true
}

// IsExpired is true when the token cannot be decoded, has no expiry, or expired at or before now.
func IsExpired(token string, now time.Time) bool {
	remaining, ok := Remaining(token, now)
	return !ok || remaining <= 0
}

// ShouldRefresh is true when at most threshold of the token lifetime is left.
// Undecodable tokens always need a refresh.
func ShouldRefresh(token string, now time.Time, threshold time.Duration) bool {
	remaining, ok := Remaining(token, now)
	return !ok || remaining <= threshold
}
