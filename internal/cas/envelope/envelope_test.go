package envelope

import (
	"bytes"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/internal/cas"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
		want cas.Content
	}{
		{
			name: "object meta",
			body: `{"meta": {"owner": "alice"}, "data": "aGVsbG8="}`,
			want: cas.Content{Data: []byte("hello"), Metadata: map[string]string{"owner": "alice"}},
		},
		{
			name: "list meta",
			body: `{"meta": [{"key": "a", "val": "1"}, {"key": "b", "val": "2"}], "data": "aGVsbG8="}`,
			want: cas.Content{Data: []byte("hello"), Metadata: map[string]string{"a": "1", "b": "2"}},
		},
		{
			name: "fingerprint",
			body: `{"data": "eA==", "fingerprint": "sha256:abcd"}`,
			want: cas.Content{Data: []byte("x"), Fingerprint: "sha256:abcd"},
		},
		{
			name: "empty list meta",
			body: `{"meta": [], "data": "eA=="}`,
			want: cas.Content{Data: []byte("x"), Metadata: map[string]string{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode("application/json; charset=utf-8", strings.NewReader(tt.body), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON_Invalid(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{"data": `,
		"bad base64":     `{"data": "!!!"}`,
		"missing data":   `{"meta": {}}`,
		"meta not map":   `{"meta": 3, "data": ""}`,
		"meta value int": `{"meta": {"a": 1}, "data": ""}`,
		"duplicate pair": `{"meta": [{"key": "a", "val": "1"}, {"key": "a", "val": "2"}], "data": ""}`,
		"unknown field":  `{"data": "", "extra": true}`,
		"trailing":       `{"data": ""} {"data": ""}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(MediaTypeJSON, strings.NewReader(body), 0)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestDecode_DefaultsToJSON(t *testing.T) {
	got, err := Decode("", strings.NewReader(`{"data": "eA=="}`), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Data)
}

func TestDecodeCBOR(t *testing.T) {
	in := cas.Content{
		Data:        []byte{0, 1, 2, 0xff},
		Metadata:    map[string]string{"k": "v"},
		Fingerprint: "blake3:00",
	}
	body, err := Encode(MediaTypeCBOR, in)
	require.NoError(t, err)

	again, err := Encode(MediaTypeCBOR, in)
	require.NoError(t, err)
	assert.Equal(t, body, again, "encoding is deterministic")

	got, err := Decode(MediaTypeCBOR, bytes.NewReader(body), 0)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = Decode(MediaTypeCBOR, bytes.NewReader(append(body, 0x00)), 0)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Decode(MediaTypeCBOR, bytes.NewReader([]byte{0xff}), 0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecodeCBOR_DuplicateKeys(t *testing.T) {
	// {"data": h'00', "data": h'01'}
	body, err := cbor.Marshal(map[string][]byte{"data": {0}})
	require.NoError(t, err)
	dup := append([]byte{0xa2}, body[1:]...)
	dup = append(dup, body[1:]...)

	_, err = Decode(MediaTypeCBOR, bytes.NewReader(dup), 0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecode_Binary(t *testing.T) {
	got, err := Decode(MediaTypeBinary, strings.NewReader("raw bytes"), 0)
	require.NoError(t, err)
	assert.Equal(t, cas.Content{Data: []byte("raw bytes")}, got)
}

func TestDecode_UnsupportedMedia(t *testing.T) {
	_, err := Decode("text/plain", strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, ErrUnsupportedMedia)

	_, err = Decode("not a media type;;", strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, ErrUnsupportedMedia)

	_, err = Encode("text/plain", cas.Content{})
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
}

func TestDecode_Limit(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 200*1024)
	_, err := Decode(MediaTypeBinary, bytes.NewReader(big), 1024)
	assert.ErrorIs(t, err, cas.ErrTooLarge)

	got, err := Decode(MediaTypeBinary, bytes.NewReader(big[:1024]), 1024)
	require.NoError(t, err)
	assert.Len(t, got.Data, 1024)
}

func TestEncodeJSON_RoundTrip(t *testing.T) {
	in := cas.Content{Data: []byte("hello"), Metadata: map[string]string{"a": "b"}}
	body, err := Encode(MediaTypeJSON, in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta": {"a": "b"}, "data": "aGVsbG8="}`, string(body))

	got, err := Decode(MediaTypeJSON, bytes.NewReader(body), 0)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}
