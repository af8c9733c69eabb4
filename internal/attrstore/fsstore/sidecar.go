package fsstore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// sidecarVersion is bumped when the sidecar layout changes.
const sidecarVersion = 1

// sidecar is the on-disk attribute record.
type sidecar struct {
	Version int               `cbor:"v"`
	Attrs   map[string][]byte `cbor:"a"`
}

// encMode produces identical bytes for identical attribute sets.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fsstore: CBOR encoder initialization failed: " + err.Error())
	}
}

func encodeAttrs(attrs map[string][]byte) ([]byte, error) {
	data, err := encMode.Marshal(sidecar{Version: sidecarVersion, Attrs: attrs})
	if err != nil {
		return nil, fmt.Errorf("encode attrs: %w", err)
	}
	return data, nil
}

func decodeAttrs(data []byte) (map[string][]byte, error) {
	var sc sidecar
	if err := cbor.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode attrs: %w", err)
	}
	if sc.Version != sidecarVersion {
		return nil, fmt.Errorf("decode attrs: unsupported sidecar version %d", sc.Version)
	}
	if sc.Attrs == nil {
		sc.Attrs = make(map[string][]byte)
	}
	return sc.Attrs, nil
}
