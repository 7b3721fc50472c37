package types

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// RawCBOR is an already encoded CBOR value, kept as-is when (un)marshaling
// the surrounding structure.
type RawCBOR = cbor.RawMessage

var Cbor = cborHandler{}

type cborHandler struct{}

var (
	cborEncoder cbor.EncMode
	cborDecoder cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding so that hashes and signatures are stable across nodes.
	if cborEncoder, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDecoder, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func (cborHandler) Marshal(v any) ([]byte, error) {
	return cborEncoder.Marshal(v)
}

func (cborHandler) Unmarshal(data []byte, v any) error {
	return cborDecoder.Unmarshal(data, v)
}

func (cborHandler) Encode(w io.Writer, v any) error {
	return cborEncoder.NewEncoder(w).Encode(v)
}

func (cborHandler) Decode(r io.Reader, v any) error {
	return cborDecoder.NewDecoder(r).Decode(v)
}
