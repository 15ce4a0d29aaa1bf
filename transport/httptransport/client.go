// Package httptransport binds synckit.RemoteAPI to HTTP and provides the
// reference remote service the client talks to.
package httptransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

const component = syncErrors.Component("transport")

var (
	errMissingToken = errors.New("missing access token")
	errTokenExpired = errors.New("access token expired")
)

// EntityList is the body of a collection GET.
type EntityList struct {
	Entities   []EntityDocument `json:"entities"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Client implements synckit.RemoteAPI against the REST routes
// POST /{type}s, PUT /{type}s/{id}, DELETE /{type}s/{id} and GET /{type}s.
//
// Credentials come from an oauth2.TokenSource. Wrap refreshing sources in
// oauth2.ReuseTokenSource; a nil source sends no Authorization header.
//
// Note: the client manages compression explicitly. Request bodies of at least
// CompressionThreshold bytes are gzipped and gzip responses are decoded under
// the configured size limits, so Go's implicit decompression is disabled.
type Client struct {
	baseURL string
	tokens  oauth2.TokenSource
	options *ClientOptions
	logger  *slog.Logger
}

var _ synckit.RemoteAPI = (*Client)(nil)

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, tokens oauth2.TokenSource, opts ...ClientOption) *Client {
	options := applyClientOptions(opts...)
	logger := options.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component("http-remote")).Logger
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		options: options,
		logger:  logger,
	}
}

// Options returns the effective client options.
func (c *Client) Options() ClientOptions { return *c.options }

func collectionPath(entityType synckit.EntityType) string {
	return "/" + url.PathEscape(string(entityType)) + "s"
}

func entityPath(entityType synckit.EntityType, id string) string {
	return collectionPath(entityType) + "/" + url.PathEscape(id)
}

// CreateEntity sends POST /{type}s.
func (c *Client) CreateEntity(ctx context.Context, req synckit.RemoteRequest) (*synckit.Entity, error) {
	body := EntityDocument{Type: string(req.EntityType), ID: req.EntityID, Payload: req.Payload}
	var doc EntityDocument
	if err := c.do(ctx, syncErrors.OpApply, http.MethodPost, collectionPath(req.EntityType), nil, &req, body, &doc); err != nil {
		return nil, err
	}
	return doc.Entity(), nil
}

// UpdateEntity sends PUT /{type}s/{id} with If-Match set to the base version.
func (c *Client) UpdateEntity(ctx context.Context, req synckit.RemoteRequest) (*synckit.Entity, error) {
	body := EntityDocument{Type: string(req.EntityType), ID: req.EntityID, Payload: req.Payload, Version: req.BaseVersion}
	var doc EntityDocument
	if err := c.do(ctx, syncErrors.OpApply, http.MethodPut, entityPath(req.EntityType, req.EntityID), nil, &req, body, &doc); err != nil {
		return nil, err
	}
	return doc.Entity(), nil
}

// DeleteEntity sends DELETE /{type}s/{id}. Deleting an entity the server
// does not have succeeds.
func (c *Client) DeleteEntity(ctx context.Context, req synckit.RemoteRequest) error {
	return c.do(ctx, syncErrors.OpApply, http.MethodDelete, entityPath(req.EntityType, req.EntityID), nil, &req, nil, nil)
}

// FetchEntities sends GET /{type}s with the filter as query parameters and
// follows next_cursor until the listing or filter.Limit is exhausted.
func (c *Client) FetchEntities(ctx context.Context, entityType synckit.EntityType, filter synckit.RemoteFilter) ([]*synckit.Entity, error) {
	var (
		entities []*synckit.Entity
		next     string
		pages    int
	)
	for {
		query := FilterQuery(filter)
		if filter.Limit > 0 {
			query.Set("limit", strconv.Itoa(filter.Limit-len(entities)))
		}
		if next != "" {
			query.Set("cursor", next)
		}
		var list EntityList
		if err := c.do(ctx, syncErrors.OpFetch, http.MethodGet, collectionPath(entityType), query, nil, nil, &list); err != nil {
			return nil, err
		}
		pages++
		for _, doc := range list.Entities {
			if doc.Type == "" {
				doc.Type = string(entityType)
			}
			entities = append(entities, doc.Entity())
		}
		if filter.Limit > 0 && len(entities) >= filter.Limit {
			entities = entities[:filter.Limit]
			break
		}
		if list.NextCursor == "" || list.NextCursor == next || len(list.Entities) == 0 {
			break
		}
		next = list.NextCursor
	}
	if entities == nil {
		entities = []*synckit.Entity{}
	}
	c.logger.Debug("Fetch completed",
		slog.String("entity_type", string(entityType)),
		slog.Int("count", len(entities)),
		slog.Int("pages", pages))
	return entities, nil
}

// FilterQuery encodes a RemoteFilter as query parameters.
func FilterQuery(filter synckit.RemoteFilter) url.Values {
	q := url.Values{}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.MinRating > 0 {
		q.Set("min_rating", strconv.FormatFloat(filter.MinRating, 'f', -1, 64))
	}
	if filter.Near != nil {
		q.Set("latitude", strconv.FormatFloat(filter.Near.Lat, 'f', -1, 64))
		q.Set("longitude", strconv.FormatFloat(filter.Near.Lng, 'f', -1, 64))
		q.Set("radius", strconv.FormatFloat(filter.Near.RadiusKm, 'f', -1, 64))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.LocationID != "" {
		q.Set("location_id", filter.LocationID)
	}
	if filter.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	return q
}

func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, path string, query url.Values, rr *synckit.RemoteRequest, body, out interface{}) error {
	token, err := c.token(op)
	if err != nil {
		return err
	}

	var (
		requestBody     io.Reader
		contentEncoding string
	)
	if body != nil {
		data, err := codec.Marshal(body)
		if err != nil {
			return syncErrors.NewWithComponent(op, string(component), fmt.Errorf("failed to marshal request: %w", err))
		}
		payload := data
		if c.options.CompressionEnabled {
			if payload, contentEncoding, err = compressBody(data, c.options.CompressionThreshold); err != nil {
				return syncErrors.NewWithComponent(op, string(component), err)
			}
			if contentEncoding != "" {
				c.logger.Debug("Request compressed",
					slog.Int("original_size", len(data)),
					slog.Int("compressed_size", len(payload)),
					slog.Float64("compression_ratio", float64(len(payload))/float64(len(data))))
			}
		}
		requestBody = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, requestBody)
	if err != nil {
		return syncErrors.NewWithComponent(op, string(component), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if token != nil {
		token.SetAuthHeader(req)
	}
	if rr != nil {
		if rr.IdempotencyKey != "" {
			req.Header.Set(HeaderIdempotencyKey, rr.IdempotencyKey)
		}
		if rr.BaseVersion > 0 {
			req.Header.Set(HeaderIfMatch, strconv.FormatUint(rr.BaseVersion, 10))
		}
	}

	start := time.Now()
	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return syncErrors.E(op, component, syncErrors.KindRetryableRemote, syncErrors.ErrCodeTimeout, err)
		}
		return syncErrors.NewNetworkError(op, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	c.logger.Debug("Remote call completed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	reader, cleanup, err := createSafeResponseReader(resp, c.options)
	if err != nil {
		return syncErrors.NewRetryableRemoteError(op, fmt.Errorf("failed to create safe response reader: %w", err)).
			WithMetadata(syncErrors.MetaStatusCode, resp.StatusCode)
	}
	defer cleanup()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode, reader)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(reader)
	if err == nil {
		err = codec.Unmarshal(data, out)
	}
	if err != nil {
		// The mutation may have been applied; a resend replays it under the
		// same idempotency key.
		return syncErrors.NewRetryableRemoteError(op, fmt.Errorf("failed to decode response: %w", err)).
			WithMetadata(syncErrors.MetaStatusCode, resp.StatusCode)
	}
	return nil
}

// statusError classifies a non-2xx response: 409 is a conflict carrying the
// server's current entity, 408, 429 and 5xx are retryable, and every other
// status is a permanent rejection.
func statusError(op syncErrors.Operation, status int, body io.Reader) error {
	var decoded ErrorResponse
	if data, err := io.ReadAll(body); err == nil && len(data) > 0 {
		if codec.Unmarshal(data, &decoded) != nil {
			decoded.Error = strings.TrimSpace(string(data))
		}
	}
	if decoded.Error == "" {
		decoded.Error = http.StatusText(status)
	}
	cause := fmt.Errorf("server error (status %d): %s", status, decoded.Error)

	switch {
	case status == http.StatusConflict:
		var server interface{}
		if decoded.Current != nil {
			server = decoded.Current.Entity()
		}
		return syncErrors.NewConflictError(op, cause, server).WithMetadata(syncErrors.MetaStatusCode, status)
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return syncErrors.NewRetryableRemoteError(op, cause).WithMetadata(syncErrors.MetaStatusCode, status)
	default:
		return syncErrors.NewPermanentRemoteError(op, cause).WithMetadata(syncErrors.MetaStatusCode, status)
	}
}

// token fetches the bearer token and rejects it before any network call when
// it is missing, malformed or expired.
func (c *Client) token(op syncErrors.Operation) (*oauth2.Token, error) {
	if c.tokens == nil {
		return nil, nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, credentialError(op, fmt.Errorf("token source: %w", err))
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, credentialError(op, errMissingToken)
	}
	now := c.options.Now()
	if !tok.Expiry.IsZero() && !tok.Expiry.After(now) {
		return nil, credentialError(op, errTokenExpired)
	}
	if strings.Count(tok.AccessToken, ".") == 2 {
		claims := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
			return nil, credentialError(op, fmt.Errorf("invalid access token: %w", err))
		}
		if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
			return nil, credentialError(op, errTokenExpired)
		}
	}
	return tok, nil
}

func credentialError(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, component, syncErrors.KindPermanentRemote, syncErrors.ErrCodeCredential, err)
}
