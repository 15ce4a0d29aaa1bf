// Package codec encodes, validates, canonicalises and hashes entity payloads.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
	"github.com/zeebo/xxh3"
)

// Codec encodes and decodes the payload of one entity type.
type Codec interface {
	// Kind returns the entity type this codec handles
	Kind() string
	// Encode converts a typed value to a canonical JSON payload
	Encode(any) (json.RawMessage, error)
	// Decode converts a payload back to its typed value
	Decode(json.RawMessage) (any, error)
}

// Validator is implemented by typed payloads that can check their own fields.
type Validator interface {
	Validate() error
}

// JSONCodec is a Codec for payloads represented by T. Decoded values that
// implement Validator are validated.
type JSONCodec[T any] struct {
	kind string
}

// NewJSONCodec returns a codec for kind backed by T.
func NewJSONCodec[T any](kind string) *JSONCodec[T] {
	return &JSONCodec[T]{kind: kind}
}

func (c *JSONCodec[T]) Kind() string { return c.kind }

func (c *JSONCodec[T]) Encode(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case T:
		return Marshal(val)
	case *T:
		return Marshal(val)
	default:
		return nil, fmt.Errorf("codec %s: cannot encode %T", c.kind, v)
	}
}

func (c *JSONCodec[T]) Decode(raw json.RawMessage) (any, error) {
	var v T
	if err := gojson.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("codec %s: %w", c.kind, err)
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return nil, fmt.Errorf("codec %s: %w", c.kind, err)
		}
	}
	return v, nil
}

// Registry holds codecs by entity type.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds c under its Kind, replacing any previous codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Kind()] = c
}

// Get retrieves the codec for kind.
func (r *Registry) Get(kind string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.codecs))
	for kind := range r.codecs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate decodes raw with the codec registered for kind. Kinds without a
// codec only need to be well-formed JSON objects.
func (r *Registry) Validate(kind string, raw json.RawMessage) error {
	if c, ok := r.Get(kind); ok {
		_, err := c.Decode(raw)
		return err
	}
	return CheckObject(raw)
}

// CheckObject reports an error unless raw is a JSON object.
func CheckObject(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("payload must be a JSON object")
	}
	if !gojson.Valid(trimmed) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Marshal encodes v as compact JSON.
func Marshal(v any) (json.RawMessage, error) {
	return gojson.Marshal(v)
}

// Unmarshal decodes raw into v.
func Unmarshal(raw []byte, v any) error {
	return gojson.Unmarshal(raw, v)
}

// Canonicalize compacts raw so that semantically identical payloads written
// with different whitespace hash the same. Empty input stays empty.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gojson.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Hash returns the xxh3 hash of a canonical payload.
func Hash(raw json.RawMessage) uint64 {
	return xxh3.Hash(raw)
}

// Equal reports whether two payloads are byte-identical after canonicalisation.
func Equal(a, b json.RawMessage) bool {
	ca, errA := Canonicalize(a)
	cb, errB := Canonicalize(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return Hash(ca) == Hash(cb) && bytes.Equal(ca, cb)
}

// Clone deep-copies src into a new value of the same type.
func Clone[T any](src T) (T, error) {
	var dst T
	if err := deepcopy.Copy(&dst, &src); err != nil {
		return dst, fmt.Errorf("clone %T: %w", src, err)
	}
	return dst, nil
}
