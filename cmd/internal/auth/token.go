package auth

import "time"

// Claims is the minimal identity envelope carried by an access token.
type Claims struct {
	UserID    string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// TokenParser verifies an access token and extracts its claims.
type TokenParser interface {
	Parse(token string, now time.Time) (Claims, error)
}
