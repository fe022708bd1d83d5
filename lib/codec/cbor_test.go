// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleArgs struct {
	Handle uint64 `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint"`
	Length uint32 `cbor:"3,keyasint"`
}

// sampleArgsV2 appends an optional field after the existing keys.
type sampleArgsV2 struct {
	Handle uint64 `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint"`
	Length uint32 `cbor:"3,keyasint"`
	Flags  uint32 `cbor:"4,keyasint,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleArgs{Handle: 7, Offset: 4096, Length: 512}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleArgs
	if err := UnmarshalUntrusted(data, &decoded); err != nil {
		t.Fatalf("UnmarshalUntrusted: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]uint64{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestAppendedFieldCompatibility(t *testing.T) {
	newer, err := Marshal(sampleArgsV2{Handle: 1, Offset: 2, Length: 3, Flags: 9})
	if err != nil {
		t.Fatalf("Marshal v2: %v", err)
	}
	var older sampleArgs
	if err := UnmarshalUntrusted(newer, &older); err != nil {
		t.Fatalf("old decoder rejected appended field: %v", err)
	}
	if older != (sampleArgs{Handle: 1, Offset: 2, Length: 3}) {
		t.Errorf("old decoder = %+v", older)
	}

	olderBytes, err := Marshal(sampleArgs{Handle: 4})
	if err != nil {
		t.Fatalf("Marshal v1: %v", err)
	}
	var newerDecoded sampleArgsV2
	if err := UnmarshalUntrusted(olderBytes, &newerDecoded); err != nil {
		t.Fatalf("new decoder rejected old message: %v", err)
	}
	if newerDecoded.Flags != 0 {
		t.Errorf("Flags = %d, want 0 for an old message", newerDecoded.Flags)
	}
}

func TestUnmarshalUntrustedRejectsDuplicateKeys(t *testing.T) {
	// {1: 1, 1: 2}
	data := []byte{0xa2, 0x01, 0x01, 0x01, 0x02}
	var decoded sampleArgs
	if err := UnmarshalUntrusted(data, &decoded); err == nil {
		t.Fatal("duplicate map key accepted")
	}
}

func TestUnmarshalUntrustedRejectsIndefiniteLength(t *testing.T) {
	// Indefinite-length map {1: 1} terminated by break.
	data := []byte{0xbf, 0x01, 0x01, 0xff}
	var decoded sampleArgs
	if err := UnmarshalUntrusted(data, &decoded); err == nil {
		t.Fatal("indefinite-length map accepted")
	}
	// The trusted decoder still accepts it.
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}

func TestUnmarshalUntrustedRejectsDeepNesting(t *testing.T) {
	// Twelve nested single-element arrays around an integer.
	var data []byte
	for range 12 {
		data = append(data, 0x81)
	}
	data = append(data, 0x00)
	var decoded any
	if err := UnmarshalUntrusted(data, &decoded); err == nil {
		t.Fatal("deeply nested document accepted")
	}
}

func TestEncoderDecoderStream(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for index := range 3 {
		if err := encoder.Encode(sampleArgs{Handle: uint64(index)}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	decoder := NewDecoder(&buffer)
	for index := range 3 {
		var decoded sampleArgs
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode %d: %v", index, err)
		}
		if decoded.Handle != uint64(index) {
			t.Errorf("message %d Handle = %d", index, decoded.Handle)
		}
	}
}
