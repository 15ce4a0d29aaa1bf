package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit/codec"
	"github.com/c0deZ3R0/locsync/transport"
)

// Conn reads frames from a change stream.
type Conn struct {
	conn *websocket.Conn
}

// Dial connects to a change stream at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		kind := kiterr.KindRetryableRemote
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = kiterr.KindPermanentRemote
		}
		return nil, kiterr.E(kiterr.Op("ws.Dial"), kiterr.Component("transport/ws"), kind, err)
	}
	return &Conn{conn: conn}, nil
}

// Next blocks until the next frame arrives. It returns an error once the
// stream is closed.
func (c *Conn) Next() (transport.Frame, error) {
	var f transport.Frame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return f, kiterr.E(kiterr.Op("ws.Next"), kiterr.Component("transport/ws"), kiterr.KindRetryableRemote, err)
	}
	if err := codec.Unmarshal(data, &f); err != nil {
		return f, kiterr.E(kiterr.Op("ws.Next"), kiterr.Component("transport/ws"), kiterr.KindValidation, err)
	}
	return f, nil
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
