package config

import (
	"log/slog"
	"net/http"
)

// Option tweaks how NewChatModel wires the HTTP providers.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithLogger attaches a logger to the provider adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
