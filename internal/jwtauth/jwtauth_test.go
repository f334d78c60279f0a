package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockIssuer struct {
	srv    *httptest.Server
	issuer string
}

func newMockIssuer(t *testing.T, keysJSON []byte, withJWKS bool) *mockIssuer {
	t.Helper()
	m := &mockIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		if withJWKS {
			meta["jwks_uri"] = m.issuer + "/keys"
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "read write",
	}
}

const testAudience = "https://booking.example.com/mcp"

func TestVerifier_DiscoveryHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, baseConfig(iss.issuer, testAudience))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims, err := v.Verify(ctx, signToken(t, pk, kid, "at+jwt", baseClaims(iss.issuer, testAudience)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims["sub"] != "user-123" {
		t.Fatalf("want sub user-123, got %v", claims["sub"])
	}
	if claims["scope"] != "read write" {
		t.Fatalf("scope mismatch: %v", claims["scope"])
	}
}

func TestVerifier_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, baseConfig(iss.issuer, testAudience)); err == nil {
		t.Fatalf("expected error due to missing jwks_uri")
	}
}

func TestVerifier_Static(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, baseConfig(iss.issuer, testAudience), iss.issuer+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	t.Run("audience array", func(t *testing.T) {
		claims := baseClaims(iss.issuer, testAudience)
		claims["aud"] = []string{"https://other", testAudience}
		if _, err := v.Verify(ctx, signToken(t, pk, kid, "", claims)); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("unknown audience", func(t *testing.T) {
		claims := baseClaims(iss.issuer, "https://unknown")
		if _, err := v.Verify(ctx, signToken(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		claims := baseClaims("https://evil.example.com", testAudience)
		if _, err := v.Verify(ctx, signToken(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		claims := baseClaims(iss.issuer, testAudience)
		claims["exp"] = time.Now().Add(-time.Minute).Unix()
		if _, err := v.Verify(ctx, signToken(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("missing sub", func(t *testing.T) {
		claims := baseClaims(iss.issuer, testAudience)
		delete(claims, "sub")
		if _, err := v.Verify(ctx, signToken(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, err := v.Verify(ctx, ""); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func TestVerifier_RequireAccessTokenType(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := baseConfig(iss.issuer, testAudience)
	cfg.RequireAccessTokenType = true
	v, err := NewStatic(ctx, cfg, iss.issuer+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := v.Verify(ctx, signToken(t, pk, kid, "JWT", baseClaims(iss.issuer, testAudience))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for typ JWT, got %v", err)
	}
	if _, err := v.Verify(ctx, signToken(t, pk, kid, "at+jwt", baseClaims(iss.issuer, testAudience))); err != nil {
		t.Fatalf("verify at+jwt: %v", err)
	}
}
