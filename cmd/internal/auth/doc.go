// Package auth resolves websocket handshake tokens to user identities.
//
// A token is parsed by a TokenParser (PASETO v4.public or HS256 JWT), then the
// user is looked up in a UserDirectory and rejected when missing, inactive or banned.
// Token issuance lives in the identity service; Issue helpers here exist for dev
// tooling and tests.
package auth
