// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const (
	// untrustedMaxNesting bounds how deep a host-supplied document may
	// nest. Boundary structs are at most two levels deep.
	untrustedMaxNesting = 8

	// untrustedMaxElements bounds arrays and maps in host-supplied
	// documents.
	untrustedMaxElements = 4096
)

var (
	encMode       cbor.EncMode
	decMode       cbor.DecMode
	untrustedMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	untrustedMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
		MaxNestedLevels:  untrustedMaxNesting,
		MaxArrayElements: untrustedMaxElements,
		MaxMapPairs:      untrustedMaxElements,
	}.DecMode()
	if err != nil {
		panic("codec: untrusted CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes enclave-produced CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalUntrusted decodes host-supplied CBOR data into v under the
// hardened decoding limits. Callers must still validate the decoded
// values; this only guarantees the decoder itself stays bounded.
func UnmarshalUntrusted(data []byte, v any) error {
	return untrustedMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns a deterministic CBOR encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading enclave-produced data
// from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
