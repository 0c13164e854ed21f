// Package codec provides deterministic CBOR encoding for guest protocol
// payloads. Core Deterministic Encoding (RFC 8949 §4.2) guarantees the same
// logical message always produces identical bytes, which matters for the
// content-addressed layer cache and keeps protocol traces diffable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets decode maps as map[string]any; the protocol never
		// uses non-string map keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
