// Package wellknown describes the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) advertised in the gateway's bearer challenges.
package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is inserted between host and path of the resource
// identifier to form the metadata location.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// Bearer methods a client may use to present its token.
const (
	BearerMethodHeader = "header"
	BearerMethodQuery  = "query"
)

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourceURL returns the metadata location for resource. For
// https://booking.example.com/mcp that is
// https://booking.example.com/.well-known/oauth-protected-resource/mcp.
func ProtectedResourceURL(resource *url.URL) *url.URL {
	return &url.URL{
		Scheme: resource.Scheme,
		Host:   resource.Host,
		Path:   ProtectedResourcePrefix + strings.TrimSuffix(resource.Path, "/"),
	}
}
