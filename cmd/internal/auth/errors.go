package auth

import "errors"

var (
	// ErrInvalidToken is returned when a token fails signature, issuer or time validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUserNotFound is returned when the token subject does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserInactive is returned for deactivated accounts.
	ErrUserInactive = errors.New("user inactive")

	// ErrUserBanned is returned for banned accounts.
	ErrUserBanned = errors.New("user banned")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
