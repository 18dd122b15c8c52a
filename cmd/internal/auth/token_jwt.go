package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTParser verifies HS256 JWTs issued by the legacy API, which carry the
// subject in a "userId" claim.
type JWTParser struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

type jwtClaims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTParser builds a parser from cfg.JWTSecret.
func NewJWTParser(cfg Config) (*JWTParser, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrConfig
	}
	return &JWTParser{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, clockSkew: cfg.ClockSkew}, nil
}

// Parse implements TokenParser.
func (p *JWTParser) Parse(token string, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	var c jwtClaims
	if _, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...); err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid := c.UserID
	if uid == "" {
		uid = c.Subject
	}
	if uid == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{UserID: uid, SessionID: c.SessionID, Issuer: c.Issuer}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// IssueJWT signs an HS256 token for userID. Used by dev tooling and tests.
func IssueJWT(cfg Config, userID string, now time.Time) (string, error) {
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().AccessTokenTTL
	}
	c := jwtClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(cfg.JWTSecret))
}
