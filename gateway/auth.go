package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/booking-gateway/auth"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	// accessTokenParam carries the bearer token for clients that cannot set
	// headers, such as browser EventSource.
	accessTokenParam = "access_token"
	bearerPrefix     = "Bearer "
)

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm and resource_metadata are omitted if empty. Known params are emitted
// in a fixed order.
func buildBearerChallenge(realm, resourceMetadata string, params map[string]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	pieces := make([]string, 0, 2+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// bearerToken extracts the raw credential from the Authorization header or
// the access_token query parameter. present reports whether the request
// attempted to authenticate at all.
func bearerToken(r *http.Request) (tok string, present bool) {
	if h := r.Header.Get(authorizationHeader); h != "" {
		return h, true
	}
	if q := r.URL.Query().Get(accessTokenParam); q != "" {
		return bearerPrefix + q, true
	}
	return "", false
}

// checkAuthentication resolves the caller's identity. On failure it writes
// the rejection and returns nil:
//
//	no credentials        401 with a bare challenge
//	malformed credentials 400 invalid_request
//	rejected token        401 invalid_token
//	insufficient scope    403 insufficient_scope
func (g *Gateway) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) *auth.Identity {
	authHeader, present := bearerToken(r)
	if !present {
		g.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no credentials"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.prmURL, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	if !strings.HasPrefix(authHeader, bearerPrefix) {
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.prmURL, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.prmURL, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	ident, err := g.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			g.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.prmURL, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
		case errors.Is(err, auth.ErrInsufficientScope):
			g.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(g.realm, g.prmURL, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
		default:
			g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return nil
	}
	if ident == nil {
		g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", "authenticator returned no identity"))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	return ident
}
