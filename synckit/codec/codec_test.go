package codec

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pin struct {
	Name string   `json:"name"`
	Lat  float64  `json:"latitude"`
	Tags []string `json:"tags,omitempty"`
}

func (p *pin) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestJSONCodecRoundTripAndValidation(t *testing.T) {
	c := NewJSONCodec[pin]("pin")
	assert.Equal(t, "pin", c.Kind())

	raw, err := c.Encode(pin{Name: "cafe", Lat: 1.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"cafe","latitude":1.5}`, string(raw))

	v, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, pin{Name: "cafe", Lat: 1.5}, v)

	_, err = c.Decode(json.RawMessage(`{"latitude":2}`))
	assert.ErrorContains(t, err, "name is required")

	_, err = c.Encode("not a pin")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewJSONCodec[pin]("pin"))
	r.Register(NewJSONCodec[map[string]any]("blob"))

	assert.Equal(t, []string{"blob", "pin"}, r.Kinds())

	_, ok := r.Get("pin")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.NoError(t, r.Validate("pin", json.RawMessage(`{"name":"x"}`)))
	assert.Error(t, r.Validate("pin", json.RawMessage(`{}`)))
	assert.NoError(t, r.Validate("unregistered", json.RawMessage(`{"a":1}`)))
	assert.Error(t, r.Validate("unregistered", json.RawMessage(`[1,2]`)))
	assert.Error(t, r.Validate("unregistered", json.RawMessage(`{"a":`)))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(NewJSONCodec[pin]("pin"))
		}()
		go func() {
			defer wg.Done()
			r.Get("pin")
			r.Kinds()
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"pin"}, r.Kinds())
}

func TestCanonicalizeAndHash(t *testing.T) {
	a := json.RawMessage("{ \"name\" : \"cafe\",\n \"rating\": 4 }")
	b := json.RawMessage(`{"name":"cafe","rating":4}`)

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(ca))
	assert.Equal(t, Hash(b), Hash(ca))
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(b, json.RawMessage(`{"name":"bar","rating":4}`)))

	empty, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = Canonicalize(json.RawMessage(`{"broken"`))
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	src := pin{Name: "cafe", Tags: []string{"coffee"}}
	dst, err := Clone(src)
	require.NoError(t, err)

	dst.Tags[0] = "tea"
	assert.Equal(t, "coffee", src.Tags[0])
	assert.Equal(t, "cafe", dst.Name)
}
