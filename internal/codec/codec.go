// Package codec implements the adaptive compress + base64 framing used for
// every opaque byte blob that crosses the wire: clipboard text/image bodies,
// file bundle entries, and individual chunk payloads.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MinCompressSize is the threshold below which Encode never attempts
// compression; payloads shorter than this are framed raw.
const MinCompressSize = 512

// ErrCorruptPayload is returned by Decode when the base64 or decompression
// step fails.
var ErrCorruptPayload = errors.New("codec: corrupt payload")

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

// Encode frames raw bytes for the wire. Inputs shorter than MinCompressSize
// are base64-encoded as-is with compressed=false. Otherwise the input is
// zstd-compressed; if the compressed form is strictly smaller, it is
// base64-encoded with compressed=true, else the raw form is used. Encode
// never fails.
func Encode(data []byte) (encoded string, compressed bool) {
	if len(data) < MinCompressSize {
		return base64.StdEncoding.EncodeToString(data), false
	}

	packed := encoder.EncodeAll(data, nil)
	if len(packed) < len(data) {
		return base64.StdEncoding.EncodeToString(packed), true
	}
	return base64.StdEncoding.EncodeToString(data), false
}

// Decode reverses Encode: base64-decodes, then decompresses if compressed is
// set. Any failure is reported as ErrCorruptPayload.
func Decode(encoded string, compressed bool) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrCorruptPayload, err)
	}
	if !compressed {
		return raw, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create zstd decoder: %v", ErrCorruptPayload, err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decode: %v", ErrCorruptPayload, err)
	}
	return out, nil
}
