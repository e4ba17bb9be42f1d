// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec encodes telemetry shards.
//
// A shard is zstd(CBOR([]Record)) using the CBOR core deterministic
// encoding, so the same records always produce the same bytes. Digest
// hashes shard payloads with BLAKE3 for session content digests.
package codec

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Record is one telemetry item.
//
// Traces use TraceID/SpanID/ParentID/Name/DurationNanos/Status. Metrics use
// Name/Value. Logs use Name as the message and Status as the severity.
type Record struct {
	Signal        string            `cbor:"1,keyasint" json:"signal"`
	Timestamp     int64             `cbor:"2,keyasint" json:"timestamp"`
	TraceID       string            `cbor:"3,keyasint,omitempty" json:"traceId,omitempty"`
	SpanID        string            `cbor:"4,keyasint,omitempty" json:"spanId,omitempty"`
	ParentID      string            `cbor:"5,keyasint,omitempty" json:"parentSpanId,omitempty"`
	Service       string            `cbor:"6,keyasint" json:"service"`
	Name          string            `cbor:"7,keyasint" json:"name"`
	DurationNanos int64             `cbor:"8,keyasint,omitempty" json:"durationNanos,omitempty"`
	Status        string            `cbor:"9,keyasint,omitempty" json:"status,omitempty"`
	Attributes    map[string]string `cbor:"10,keyasint,omitempty" json:"attributes,omitempty"`
	Value         float64           `cbor:"11,keyasint,omitempty" json:"value,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoder and decoder are safe for concurrent use.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
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

	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeShard serializes and compresses records.
func EncodeShard(records []Record) ([]byte, error) {
	raw, err := encMode.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("cbor encode shard: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeShard reverses EncodeShard.
func DecodeShard(data []byte) ([]Record, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress shard: %w", err)
	}
	var records []Record
	if err := decMode.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("cbor decode shard: %w", err)
	}
	return records, nil
}

// Digest returns the hex BLAKE3 hash over chunks in order.
func Digest(chunks ...[]byte) string {
	h := blake3.New()
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}
