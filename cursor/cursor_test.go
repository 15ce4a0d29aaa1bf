package cursor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type offsetCursor struct{ N int }

func (offsetCursor) Kind() string { return "offset" }

type offsetCodec struct{}

func (offsetCodec) Kind() string { return "offset" }

func (offsetCodec) Marshal(c Cursor) (json.RawMessage, error) {
	return json.Marshal(c.(offsetCursor).N)
}

func (offsetCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var n int
	err := json.Unmarshal(data, &n)
	return offsetCursor{N: n}, err
}

func TestKeyCursorRoundTrip(t *testing.T) {
	for _, id := range []string{"a", "cafe-1", "ümlaut/with spaces", strings.Repeat("x", 200)} {
		token, err := Encode(KeyCursor{After: id})
		require.NoError(t, err)
		assert.NotContains(t, token, "=")
		assert.NotContains(t, token, "/")

		after, err := After(token)
		require.NoError(t, err)
		assert.Equal(t, id, after)
	}
}

func TestDecodeRejectsBadTokens(t *testing.T) {
	encode := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"not json", encode("nope")},
		{"unknown kind", encode(`{"kind":"vector","data":{}}`)},
		{"empty key", encode(`{"kind":"key","data":""}`)},
		{"wrong data type", encode(`{"kind":"key","data":42}`)},
		{"too large", strings.Repeat("A", maxTokenSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestRegisteredKinds(t *testing.T) {
	Register(offsetCodec{})

	token, err := Encode(offsetCursor{N: 7})
	require.NoError(t, err)
	c, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, offsetCursor{N: 7}, c)

	_, err = After(token)
	assert.Error(t, err, "After only accepts key cursors")
}

func TestRegistryIsConcurrencySafe(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			Register(offsetCodec{})
		}()
		go func() {
			defer wg.Done()
			_, ok := Lookup(KindKey)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
