// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborCodec is the binary payload encoding. Frames travel as WebSocket
// binary messages; struct field names come from the same json tags the
// JSON codec uses, so the two encodings stay field-compatible.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	// Core Deterministic Encoding: same logical data always produces
	// identical bytes. The decoder maps any-typed targets to
	// map[string]any — the CBOR default of map[any]any is incompatible
	// with encoding/json and most Go code downstream.
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("gateway: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("gateway: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// cborEnvelope mirrors jsonEnvelope for the binary encoding.
type cborEnvelope struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data cbor.RawMessage `json:"d,omitempty"`
}

func (c cborCodec) name() string { return string(EncodingCBOR) }

func (c cborCodec) binary() bool { return true }

func (c cborCodec) encode(op Opcode, data any) ([]byte, error) {
	raw, err := c.enc.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("gateway: encoding %s data: %w", op, err)
	}
	return c.enc.Marshal(cborEnvelope{Op: int(op), Data: raw})
}

func (c cborCodec) decode(frame []byte) (*Payload, error) {
	var envelope cborEnvelope
	if err := c.dec.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("gateway: unparseable frame: %w", err)
	}
	return &Payload{
		Op:   Opcode(envelope.Op),
		Seq:  envelope.Seq,
		Type: envelope.Type,
		Data: envelope.Data,
	}, nil
}

func (c cborCodec) decodeData(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}
