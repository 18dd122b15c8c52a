package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Verifier resolves a handshake token to an active, non-banned user id.
type Verifier struct {
	log    *slog.Logger
	parser TokenParser
	users  UserDirectory
	now    func() time.Time
}

// NewVerifier constructs a Verifier. users may be nil in development, in which
// case only the token itself is checked.
func NewVerifier(log *slog.Logger, parser TokenParser, users UserDirectory) (*Verifier, error) {
	if parser == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Verifier{
		log:    log,
		parser: parser,
		users:  users,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// ResolveToken verifies token and returns the user id it was issued to.
//
// Failures are one of ErrInvalidToken, ErrUserNotFound, ErrUserInactive,
// ErrUserBanned, or a wrapped directory error.
func (v *Verifier) ResolveToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	claims, err := v.parser.Parse(token, v.now())
	if err != nil {
		return "", err
	}
	if v.users == nil {
		return claims.UserID, nil
	}

	u, err := v.users.Lookup(ctx, claims.UserID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return "", ErrUserNotFound
	case err != nil:
		v.log.Warn("auth.lookup.fail", "user_id", claims.UserID, "err", err)
		return "", fmt.Errorf("auth: lookup user: %w", err)
	case u.Banned:
		return "", ErrUserBanned
	case !u.Active:
		return "", ErrUserInactive
	}
	return claims.UserID, nil
}
