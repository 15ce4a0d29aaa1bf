package httptransport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Status mapping for request bodies:
// - gzip invalid → 400 Bad Request
// - compressed limit exceeded → 413 Request Entity Too Large
// - decompressed limit exceeded → 413 Request Entity Too Large
// - unsupported media type or encoding → 415 Unsupported Media Type

var (
	// errDecompressedTooLarge is a sentinel error for decompressed size limit violations
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errBodyTooLarge         = errors.New("compressed body too large")
	errUnsupportedMedia     = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		// Peek one byte to tell "exactly at the limit" from "over it".
		var dummy [1]byte
		m, peekErr := r.reader.Read(dummy[:])
		if m > 0 {
			return n, errDecompressedTooLarge
		}
		return n, peekErr
	}

	return n, err
}

// compressBody gzips data when it reaches threshold. It returns the body and
// the Content-Encoding to send.
func compressBody(data []byte, threshold int) ([]byte, string, error) {
	if threshold <= 0 || len(data) < threshold {
		return data, "", nil
	}
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to compress request: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return compressed.Bytes(), "gzip", nil
}

// decodingReader enforces both limits on body, decoding it per encoding.
func decodingReader(body io.Reader, encoding string, maxDecompressed int64) (io.Reader, func(), error) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	switch encoding {
	case "", "identity":
		return body, func() {}, nil
	case "gzip":
		gzReader, err := gzip.NewReader(body)
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
		}
		reader := &maxDecompressedReader{reader: gzReader, limit: maxDecompressed}
		return reader, func() { gzReader.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, encoding)
	}
}

// createSafeRequestReader creates a reader that enforces both compressed and
// decompressed size limits. An empty body yields a nil reader.
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMedia, contentType)
	}

	if r.ContentLength > options.MaxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, r.ContentLength, options.MaxRequestSize)
	}

	limit := options.MaxRequestSize
	if r.Header.Get("Content-Encoding") == "" && options.MaxDecompressedSize < limit {
		limit = options.MaxDecompressedSize
	}
	limited := http.MaxBytesReader(w, r.Body, limit)
	return decodingReader(limited, r.Header.Get("Content-Encoding"), options.MaxDecompressedSize)
}

// createSafeResponseReader applies the client's response limits. The http
// client does not decode gzip itself, so the limits hold for both sizes.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	if resp.ContentLength > options.MaxResponseSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, resp.ContentLength, options.MaxResponseSize)
	}
	limited := &maxDecompressedReader{reader: resp.Body, limit: options.MaxResponseSize}
	encoding := resp.Header.Get("Content-Encoding")
	if resp.Uncompressed {
		encoding = ""
	}
	return decodingReader(limited, encoding, options.MaxDecompressedResponseSize)
}

// mapErrorToHTTPStatus maps request body errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errBodyTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

// respondWithMappedError responds with the appropriate HTTP status code based on the error
func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error, options *ServerOptions) {
	respondWithError(w, r, mapErrorToHTTPStatus(err), err.Error(), options)
}
