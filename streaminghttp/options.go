package streaminghttp

import (
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
)

// Option customizes a Transport.
type Option func(*Transport)

// WithHTTPClient overrides the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transport) {
		if hc != nil {
			t.hc = hc
		}
	}
}

// WithTokenSource authenticates every request with a bearer token from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(t *Transport) { t.tokenSource = ts }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(t *Transport) { t.headers.Add(key, value) }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMaxEventSize bounds a single server-sent event.
func WithMaxEventSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxEventSize = n
		}
	}
}
