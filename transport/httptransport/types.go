package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/locsync/synckit"
)

// Header names used on the wire.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
	HeaderETag           = "ETag"
)

// EntityDocument is the wire form of an entity.
type EntityDocument struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Version   uint64          `json:"version"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FromEntity converts a local entity to its wire form.
func FromEntity(e *synckit.Entity) EntityDocument {
	return EntityDocument{
		Type:      string(e.Type),
		ID:        e.ID,
		Payload:   e.Payload,
		Version:   e.Version,
		Deleted:   e.Deleted,
		UpdatedAt: e.UpdatedAt,
	}
}

// Entity converts the document into a Clean entity at the server's version.
func (d EntityDocument) Entity() *synckit.Entity {
	return &synckit.Entity{
		Type:          synckit.EntityType(d.Type),
		ID:            d.ID,
		Payload:       d.Payload,
		Version:       d.Version,
		RemoteVersion: d.Version,
		SyncState:     synckit.Clean,
		Deleted:       d.Deleted,
		UpdatedAt:     d.UpdatedAt,
	}
}

// ErrorResponse is the body of every non-2xx response. Conflicts carry the
// server's current entity.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Current *EntityDocument `json:"current,omitempty"`
}

// ServerOptions configures the reference server.
type ServerOptions struct {
	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum allowed size of decompressed request bodies in bytes
	// If 0, defaults to 20MB
	MaxDecompressedSize int64

	// CompressionEnabled enables gzip compression for responses larger than CompressionThreshold
	CompressionEnabled bool

	// CompressionThreshold is the minimum size in bytes before responses are compressed
	CompressionThreshold int64

	// RequestTimeout is the maximum duration for processing a single request
	RequestTimeout time.Duration

	// Tokens is the set of accepted bearer tokens. Empty disables auth.
	Tokens []string

	// Logger defaults to the "remote-devserver" component logger.
	Logger *slog.Logger

	// Now is the clock used for UpdatedAt.
	Now func() time.Time

	// MaxPageSize caps the entities in one list response. Longer listings
	// carry a next_cursor. Zero disables paging.
	MaxPageSize int
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,             // 1KB
		RequestTimeout:       30 * time.Second, // 30s
		MaxPageSize:          500,
	}
}

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	// HTTPClient defaults to a client with automatic decompression disabled.
	HTTPClient *http.Client

	// CompressionEnabled gzips request bodies of at least CompressionThreshold
	// bytes and accepts gzip responses.
	CompressionEnabled bool

	// CompressionThreshold is the minimum request size before compression.
	CompressionThreshold int

	// MaxResponseSize is the maximum allowed size of response bodies in bytes (compressed)
	MaxResponseSize int64

	// MaxDecompressedResponseSize bounds gzip-decoded response bodies.
	MaxDecompressedResponseSize int64

	// Logger defaults to the "http-remote" component logger.
	Logger *slog.Logger

	// Now is the clock used to check token expiry.
	Now func() time.Time
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		CompressionThreshold:        1024,             // 1KB
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
	}
}
