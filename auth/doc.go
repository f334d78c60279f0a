// Package auth authenticates the bearer credentials presented when a client
// opens a booking session and keeps the resulting Identity bound to that
// session for every later call.
//
// Three Authenticators are provided. NewJWT validates JWTs against a fixed
// JWKS URL, NewFromDiscovery locates the JWKS through OpenID Connect
// discovery, and LoadKeyFile accepts opaque API keys listed (as SHA-256
// digests) in a YAML file that is reloaded on change.
//
// Failures wrap ErrUnauthorized (the transport answers 401 with a Bearer
// challenge) or ErrInsufficientScope (403).
//
// Identities are immutable. The admin scope implies every other scope.
package auth
