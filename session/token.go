package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeClaims parses the claims of a JWT without verifying its signature.
// The session layer never validates tokens cryptographically; it only inspects
// the expiry claim the auth service put there. Malformed input returns an
// error, never a panic.
func DecodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	return claims, nil
}

// ExpiryTime returns the token's expiry as wall-clock time. The second return
// is false when the token is malformed or carries no exp claim.
func ExpiryTime(token string) (time.Time, bool) {
	claims, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsExpired reports whether the token is expired, treating it as expired
// `buffer` before its real deadline. A token without a decodable exp claim is
// always expired. A zero buffer means exactly expired.
//
// IsExpired is monotonic in buffer: growing the buffer never turns an expired
// token back into a valid one.
func IsExpired(token string, buffer time.Duration) bool {
	return isExpiredAt(token, buffer, time.Now())
}

func isExpiredAt(token string, buffer time.Duration, now time.Time) bool {
	exp, ok := ExpiryTime(token)
	if !ok {
		return true
	}
	return !now.Before(exp.Add(-buffer))
}

// TimeUntilExpiry returns how long the token remains valid, or zero when it
// is already expired or undecodable.
func TimeUntilExpiry(token string) time.Duration {
	exp, ok := ExpiryTime(token)
	if !ok {
		return 0
	}
	d := time.Until(exp)
	if d < 0 {
		return 0
	}
	return d
}
