package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	kiterr "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit/codec"
	"github.com/c0deZ3R0/locsync/transport"
)

// Client consumes an SSE change stream.
type Client struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger

	// MaxReconnectDelay caps the wait between reconnects in Stream.
	MaxReconnectDelay time.Duration
}

// NewClient creates a new SSE client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		Client:            httpClient,
		Logger:            logging.WithComponent(logging.Component("sse-client")).Logger,
		MaxReconnectDelay: 30 * time.Second,
	}
}

// Subscribe reads one connection until it ends, calling handler per frame.
// It returns ctx.Err() when ctx is cancelled and nil when the server closes
// the stream.
func (c *Client) Subscribe(ctx context.Context, query url.Values, handler func(transport.Frame) error) error {
	target := c.BaseURL
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindValidation, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindRetryableRemote, err, "http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindRetryableRemote, err)
		}
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindPermanentRemote, err)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var frame transport.Frame
		if err := codec.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &frame); err != nil {
			return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindValidation, err, "decode payload")
		}
		if err := handler(frame); err != nil {
			return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), err, "handler")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindRetryableRemote, err, "scan")
	}
	return nil
}

// Stream keeps a subscription open, reconnecting with exponential backoff
// after dropped connections and retryable failures. It returns when ctx is
// cancelled or on a permanent failure.
func (c *Client) Stream(ctx context.Context, query url.Values, handler func(transport.Frame) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.MaxReconnectDelay
	b.MaxElapsedTime = 0

	operation := func() error {
		err := c.Subscribe(ctx, query, func(f transport.Frame) error {
			b.Reset()
			return handler(f)
		})
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case err == nil:
			return fmt.Errorf("stream closed by server")
		case kiterr.IsRetryable(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		c.Logger.Warn("Change stream interrupted, reconnecting", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
