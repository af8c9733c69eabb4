// Package envelope decodes the self-describing creation payload of a PUT.
//
// Three media types are accepted:
//
//	application/json          {"meta": {...}, "data": "<base64>", "fingerprint": "..."}
//	application/cbor          map with keys meta, data (byte string), fingerprint
//	application/octet-stream  the raw payload, no metadata
//
// In JSON, meta may also be a list of {"key": ..., "val": ...} pairs.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"

	"github.com/containerd/errdefs"
	"github.com/fxamacker/cbor/v2"
	"github.com/tunnelmesh/refcas/internal/cas"
)

// Media types.
const (
	MediaTypeJSON   = "application/json"
	MediaTypeCBOR   = "application/cbor"
	MediaTypeBinary = "application/octet-stream"
)

// Envelope errors.
var (
	ErrInvalid          = fmt.Errorf("invalid envelope: %w", errdefs.ErrInvalidArgument)
	ErrUnsupportedMedia = fmt.Errorf("unsupported envelope media type: %w", errdefs.ErrInvalidArgument)
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// jsonEnvelope is the JSON wire form. Data is a pointer so a missing field
// can be told apart from an empty payload.
type jsonEnvelope struct {
	Meta        Meta    `json:"meta,omitempty"`
	Data        *[]byte `json:"data"`
	Fingerprint string  `json:"fingerprint,omitempty"`
}

type cborEnvelope struct {
	Meta        map[string]string `cbor:"meta,omitempty"`
	Data        []byte            `cbor:"data"`
	Fingerprint string            `cbor:"fingerprint,omitempty"`
}

// Meta is a metadata map that decodes from a JSON object or from a list of
// {"key", "val"} pairs.
type Meta map[string]string

type metaPair struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Meta) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var pairs []metaPair
		if err := json.Unmarshal(b, &pairs); err != nil {
			return err
		}
		out := make(Meta, len(pairs))
		for _, p := range pairs {
			if _, dup := out[p.Key]; dup {
				return fmt.Errorf("duplicate metadata key %q", p.Key)
			}
			out[p.Key] = p.Val
		}
		*m = out
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*m = obj
	return nil
}

// Decode reads an envelope of the given media type from r. Reading stops
// after limit+1 bytes when limit is positive, so oversized bodies fail with
// cas.ErrTooLarge without being buffered whole.
func Decode(contentType string, r io.Reader, limit int64) (cas.Content, error) {
	mediaType := MediaTypeJSON
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return cas.Content{}, fmt.Errorf("%w: %q", ErrUnsupportedMedia, contentType)
		}
		mediaType = mt
	}

	body, err := readLimited(r, limit)
	if err != nil {
		return cas.Content{}, err
	}

	switch mediaType {
	case MediaTypeJSON:
		return decodeJSON(body)
	case MediaTypeCBOR:
		return decodeCBOR(body)
	case MediaTypeBinary:
		return cas.Content{Data: body}, nil
	default:
		return cas.Content{}, fmt.Errorf("%w: %q", ErrUnsupportedMedia, mediaType)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read envelope: %w", err)
		}
		return body, nil
	}
	// Envelope overhead (base64, keys) is allowed on top of the payload
	// limit; the payload itself is checked again by cas.Service.
	maxBody := limit*4/3 + 64*1024
	body, err := io.ReadAll(io.LimitReader(r, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("%w: envelope exceeds %d bytes", cas.ErrTooLarge, maxBody)
	}
	return body, nil
}

func decodeJSON(body []byte) (cas.Content, error) {
	var env jsonEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return cas.Content{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if dec.More() {
		return cas.Content{}, fmt.Errorf("%w: trailing data after JSON object", ErrInvalid)
	}
	if env.Data == nil {
		return cas.Content{}, fmt.Errorf("%w: missing data field", ErrInvalid)
	}
	return cas.Content{
		Data:        *env.Data,
		Metadata:    env.Meta,
		Fingerprint: env.Fingerprint,
	}, nil
}

func decodeCBOR(body []byte) (cas.Content, error) {
	var env cborEnvelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		var extra *cbor.ExtraneousDataError
		if errors.As(err, &extra) {
			return cas.Content{}, fmt.Errorf("%w: trailing data after CBOR item", ErrInvalid)
		}
		return cas.Content{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cas.Content{
		Data:        env.Data,
		Metadata:    env.Meta,
		Fingerprint: env.Fingerprint,
	}, nil
}

// Encode renders c in the given media type. It is the inverse of Decode.
func Encode(mediaType string, c cas.Content) ([]byte, error) {
	switch mediaType {
	case MediaTypeJSON, "":
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		return json.Marshal(jsonEnvelope{Meta: c.Metadata, Data: &data, Fingerprint: c.Fingerprint})
	case MediaTypeCBOR:
		return encMode.Marshal(cborEnvelope{Meta: c.Metadata, Data: c.Data, Fingerprint: c.Fingerprint})
	case MediaTypeBinary:
		return c.Data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMedia, mediaType)
	}
}
