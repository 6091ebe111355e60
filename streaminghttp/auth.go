package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-client-go/internal/wellknown"
)

// ProtectedResourceMetadata describes how a protected MCP server expects to
// be authorized.
type ProtectedResourceMetadata = wellknown.ProtectedResourceMetadata

// AuthError is returned when the server rejects a request with 401 or 403.
// ResourceMetadata carries the resource_metadata parameter of the bearer
// challenge, when the server sent one.
type AuthError struct {
	Status           int
	Challenge        string
	ResourceMetadata string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("streaminghttp: unauthorized (status %d)", e.Status)
}

func newAuthError(resp *http.Response) *AuthError {
	challenge := resp.Header.Get("WWW-Authenticate")
	return &AuthError{
		Status:           resp.StatusCode,
		Challenge:        challenge,
		ResourceMetadata: challengeParam(challenge, "resource_metadata"),
	}
}

// challengeParam extracts one auth-param from a WWW-Authenticate value.
func challengeParam(challenge, name string) string {
	_, params, _ := strings.Cut(challenge, " ")
	for _, part := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, name) {
			continue
		}
		return strings.Trim(v, `"`)
	}
	return ""
}

// DiscoverProtectedResource fetches the RFC 9728 metadata for endpoint.
// metadataURL, typically AuthError.ResourceMetadata, overrides the
// well-known location when non-empty.
func DiscoverProtectedResource(ctx context.Context, hc *http.Client, endpoint, metadataURL string) (*ProtectedResourceMetadata, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	if metadataURL == "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("streaminghttp: invalid endpoint: %w", err)
		}
		metadataURL = wellknown.MetadataURL(u).String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", jsonMediaType.String())
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: fetch resource metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("streaminghttp: resource metadata status %d", resp.StatusCode)
	}

	var md ProtectedResourceMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&md); err != nil {
		return nil, fmt.Errorf("streaminghttp: decode resource metadata: %w", err)
	}
	if md.Resource == "" {
		return nil, fmt.Errorf("streaminghttp: resource metadata missing resource")
	}
	return &md, nil
}
