package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/booking-gateway/internal/jwtauth"
	"github.com/golang-jwt/jwt/v5"
)

// JWTOption configures the JWT authenticators.
type JWTOption func(*jwtConfig)

type jwtConfig struct {
	verifier       *jwtauth.Config
	roleClaim      string
	defaultRole    string
	requiredScopes []string
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtConfig) { c.verifier.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtConfig) { c.verifier.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for any of the given
// audiences in addition to the primary one.
func WithAdditionalAudiences(aud ...string) JWTOption {
	return func(c *jwtConfig) {
		c.verifier.ExpectedAudiences = append(c.verifier.ExpectedAudiences, aud...)
	}
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() JWTOption {
	return func(c *jwtConfig) { c.verifier.RequireAccessTokenType = true }
}

// WithRoleClaim names the claim holding the user's role. Defaults to "role".
func WithRoleClaim(name string) JWTOption {
	return func(c *jwtConfig) { c.roleClaim = name }
}

// WithDefaultRole is used when the token carries no role claim.
func WithDefaultRole(role string) JWTOption {
	return func(c *jwtConfig) { c.defaultRole = role }
}

// WithRequiredScopes requires every listed scope to be granted.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtConfig) { c.requiredScopes = append([]string(nil), scopes...) }
}

func newJWTConfig(issuer, audience string, opts []JWTOption) (*jwtConfig, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	vc := jwtauth.DefaultConfig()
	vc.Issuer = issuer
	vc.ExpectedAudiences = []string{audience}
	c := &jwtConfig{verifier: vc, roleClaim: "role"}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type jwtAuthenticator struct {
	v   *jwtauth.Verifier
	cfg *jwtConfig
}

// NewJWT validates bearer JWTs signed by keys from a fixed JWKS URL.
func NewJWT(ctx context.Context, issuer, audience, jwksURL string, opts ...JWTOption) (Authenticator, error) {
	cfg, err := newJWTConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewStatic(ctx, cfg.verifier, jwksURL)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v, cfg: cfg}, nil
}

// NewFromDiscovery locates the issuer's JWKS through OpenID Connect discovery.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...JWTOption) (Authenticator, error) {
	cfg, err := newJWTConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg.verifier)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v, cfg: cfg}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (*Identity, error) {
	claims, err := a.v.Verify(ctx, tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}

	ident := identityFromClaims(claims, a.cfg.roleClaim, a.cfg.defaultRole)
	for _, want := range a.cfg.requiredScopes {
		if !ident.HasScope(want) {
			return nil, fmt.Errorf("%w: missing %q", ErrInsufficientScope, want)
		}
	}
	return ident, nil
}

// identityFromClaims maps sub, email, the role claim and either the
// space-delimited "scope" claim or the "scp" array onto an Identity.
func identityFromClaims(claims jwt.MapClaims, roleClaim, defaultRole string) *Identity {
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	role, _ := claims[roleClaim].(string)
	if role == "" {
		role = defaultRole
	}

	var scopes []string
	if s, ok := claims["scope"].(string); ok {
		scopes = append(scopes, strings.Fields(s)...)
	}
	if arr, ok := claims["scp"].([]any); ok {
		for _, e := range arr {
			if s, ok := e.(string); ok {
				scopes = append(scopes, s)
			}
		}
	}
	return NewIdentity(sub, email, role, scopes...)
}
