// Package wellknown holds the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) a protected MCP server publishes.
package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourcePath is the well-known prefix of the metadata document.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// MetadataURL returns the default metadata location for a resource URL: the
// well-known prefix inserted between the host and the resource's path.
func MetadataURL(resource *url.URL) *url.URL {
	return &url.URL{
		Scheme: resource.Scheme,
		Host:   resource.Host,
		Path:   ProtectedResourcePath + strings.TrimSuffix(resource.Path, "/"),
	}
}
