package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Authenticator validates bearer tokens and returns the identity they carry.
// Failures should wrap ErrUnauthorized or ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, tok string) (*Identity, error)

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (*Identity, error) {
	return f(ctx, tok)
}
