// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"fmt"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/sealed"
)

// Report is the host-visible part of an abort. Kind is plaintext;
// everything else about the abort is inside Sealed.
type Report struct {
	Kind   Kind   `cbor:"1,keyasint"`
	Sealed []byte `cbor:"2,keyasint,omitempty"`
}

// maxRecordSize bounds decompression of an operator-opened report.
const maxRecordSize = 1 << 20

// zstd encoders and decoders are safe for concurrent use.
var (
	reportEncoder *zstd.Encoder
	reportDecoder *zstd.Decoder
)

func init() {
	var err error
	reportEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("fault: zstd encoder initialization failed: " + err.Error())
	}
	reportDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRecordSize))
	if err != nil {
		panic("fault: zstd decoder initialization failed: " + err.Error())
	}
}

// SealReport builds the host-visible report for record. With no
// recipients the record is dropped and only the kind is reported.
func SealReport(record Record, recipients []age.Recipient) (Report, error) {
	report := Report{Kind: record.Kind}
	if len(recipients) == 0 {
		return report, nil
	}

	encoded, err := codec.Marshal(record)
	if err != nil {
		return report, fmt.Errorf("encoding abort record: %w", err)
	}
	compressed := reportEncoder.EncodeAll(encoded, nil)
	clear(encoded)

	ciphertext, err := sealed.Encrypt(compressed, recipients)
	clear(compressed)
	if err != nil {
		return report, fmt.Errorf("sealing abort record: %w", err)
	}
	report.Sealed = ciphertext
	return report, nil
}

// OpenReport recovers the record from a sealed report. Operator side:
// identity is an AGE-SECRET-KEY-1 private key.
func OpenReport(report Report, identity string) (Record, error) {
	if len(report.Sealed) == 0 {
		return Record{}, fmt.Errorf("report carries no sealed record")
	}
	compressed, err := sealed.Decrypt(report.Sealed, identity)
	if err != nil {
		return Record{}, fmt.Errorf("opening abort report: %w", err)
	}
	encoded, err := reportDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Record{}, fmt.Errorf("decompressing abort report: %w", err)
	}
	var record Record
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return Record{}, fmt.Errorf("decoding abort record: %w", err)
	}
	if record.Kind != report.Kind {
		return Record{}, fmt.Errorf("sealed kind %s does not match report kind %s", record.Kind, report.Kind)
	}
	return record, nil
}
