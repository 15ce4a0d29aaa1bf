package httptransport

import (
	"log/slog"
	"net/http"
	"time"
)

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithBearerTokens restricts the server to the given tokens.
func WithBearerTokens(tokens ...string) ServerOption {
	return func(opts *ServerOptions) {
		opts.Tokens = append(opts.Tokens, tokens...)
	}
}

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(opts *ServerOptions) {
		opts.Logger = logger
	}
}

// WithServerClock sets the clock stamped on stored entities.
func WithServerClock(now func() time.Time) ServerOption {
	return func(opts *ServerOptions) {
		opts.Now = now
	}
}

// WithMaxPageSize sets how many entities one list response may carry.
func WithMaxPageSize(n int) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxPageSize = n
	}
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = client
	}
}

// WithClientCompression enables or disables request/response compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithRequestCompressionThreshold sets the minimum request size that is compressed.
func WithRequestCompressionThreshold(size int) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionThreshold = size
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = logger
	}
}

// WithClientClock sets the clock used for token expiry checks.
func WithClientClock(now func() time.Time) ClientOption {
	return func(opts *ClientOptions) {
		opts.Now = now
	}
}

// applyServerOptions creates a new ServerOptions with the given options applied
func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.MaxRequestSize <= 0 {
		options.MaxRequestSize = 10 * 1024 * 1024
	}
	if options.MaxDecompressedSize <= 0 {
		options.MaxDecompressedSize = 20 * 1024 * 1024
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return options
}

// applyClientOptions creates a new ClientOptions with the given options applied
func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyFromEnvironment,
				DisableCompression: true,
			},
		}
	}
	if options.MaxResponseSize <= 0 {
		options.MaxResponseSize = 10 * 1024 * 1024
	}
	if options.MaxDecompressedResponseSize <= 0 {
		options.MaxDecompressedResponseSize = 20 * 1024 * 1024
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return options
}
