// Package cursor encodes the opaque page tokens used to walk remote
// collections. A token is a kind-tagged JSON value in unpadded base64url.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/c0deZ3R0/locsync/synckit/codec"
)

const KindKey = "key"

type Cursor interface {
	Kind() string
}

// Codec marshals one cursor kind to and from its data part.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Cursor, error)
}

var (
	registry   = map[string]Codec{KindKey: keyCodec{}}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// maxTokenSize bounds an encoded token.
const maxTokenSize = 4 * 1024

// WireCursor is the tagged form inside a token.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

var errEmptyToken = errors.New("empty cursor token")

func MarshalWire(c Cursor) (*WireCursor, error) {
	cc, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := cc.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: cc.Kind(), Data: data}, nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if wc == nil {
		return nil, errors.New("nil wire cursor")
	}
	cc, ok := Lookup(wc.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return cc.Unmarshal(wc.Data)
}

// Encode renders c as a URL-safe token.
func Encode(c Cursor) (string, error) {
	wc, err := MarshalWire(c)
	if err != nil {
		return "", err
	}
	b, err := codec.Marshal(wc)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return nil, errEmptyToken
	}
	if len(token) > maxTokenSize {
		return nil, fmt.Errorf("cursor token too large: %d bytes", len(token))
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor token: %w", err)
	}
	var wc WireCursor
	if err := codec.Unmarshal(b, &wc); err != nil {
		return nil, fmt.Errorf("malformed cursor token: %w", err)
	}
	return UnmarshalWire(&wc)
}

// KeyCursor resumes a listing sorted by entity id after After.
type KeyCursor struct {
	After string
}

func (KeyCursor) Kind() string { return KindKey }

type keyCodec struct{}

func (keyCodec) Kind() string { return KindKey }

func (keyCodec) Marshal(c Cursor) (json.RawMessage, error) {
	kc, ok := c.(KeyCursor)
	if !ok {
		return nil, fmt.Errorf("expected KeyCursor, got %T", c)
	}
	return codec.Marshal(kc.After)
}

func (keyCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var after string
	if err := codec.Unmarshal(data, &after); err != nil {
		return nil, err
	}
	if after == "" {
		return nil, errors.New("key cursor without position")
	}
	return KeyCursor{After: after}, nil
}

// After decodes a token that must hold a KeyCursor.
func After(token string) (string, error) {
	c, err := Decode(token)
	if err != nil {
		return "", err
	}
	kc, ok := c.(KeyCursor)
	if !ok {
		return "", fmt.Errorf("expected %s cursor, got %s", KindKey, c.Kind())
	}
	return kc.After, nil
}
