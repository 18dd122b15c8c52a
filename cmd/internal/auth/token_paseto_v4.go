package auth

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoV4Parser verifies PASETO v4.public access tokens.
//
// Claims: iss, iat, nbf, exp, plus "uid" (required) and "sid" (optional).
type PasetoV4Parser struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Parser builds a parser from the configured public key, or from the
// public half of the secret key when only that is set.
func NewPasetoV4Parser(cfg Config) (*PasetoV4Parser, error) {
	var public paseto.V4AsymmetricPublicKey
	switch {
	case cfg.PasetoV4PublicKeyHex != "":
		k, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		public = k
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		public = secret.Public()
	default:
		return nil, ErrConfig
	}
	return &PasetoV4Parser{issuer: cfg.Issuer, clockSkew: cfg.ClockSkew, public: public}, nil
}

// Parse implements TokenParser.
func (p *PasetoV4Parser) Parse(token string, now time.Time) (Claims, error) {
	// Validate slightly in the future so "nbf" tolerates clock differences.
	validNow := now.Add(p.clockSkew)

	// Fresh parser per call so rules do not accumulate.
	parser := paseto.NewParser()
	parser.AddRule(paseto.IssuedBy(p.issuer))
	parser.AddRule(paseto.NotExpired())
	parser.AddRule(paseto.ValidAt(validNow))

	parsed, err := parser.ParseV4Public(p.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")
	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{UserID: uid, SessionID: sid, IssuedAt: iat, ExpiresAt: exp, Issuer: iss}, nil
}

// PasetoV4Issuer signs v4.public access tokens. Used by dev tooling and tests.
type PasetoV4Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoV4Issuer builds an issuer from cfg.PasetoV4SecretKeyHex.
func NewPasetoV4Issuer(cfg Config) (*PasetoV4Issuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().AccessTokenTTL
	}
	return &PasetoV4Issuer{issuer: cfg.Issuer, ttl: ttl, secret: secret}, nil
}

// PublicKeyHex returns the verification key matching this issuer.
func (i *PasetoV4Issuer) PublicKeyHex() string { return i.secret.Public().ExportHex() }

// Issue signs a token for userID valid from now until now+ttl.
func (i *PasetoV4Issuer) Issue(userID, sessionID string, now time.Time) (string, time.Time) {
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}
	return tok.V4Sign(i.secret, nil), exp
}
