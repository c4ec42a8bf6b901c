// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Encoding names a payload wire encoding, carried in the connection URL's
// encoding query parameter.
type Encoding string

const (
	// EncodingJSON is the default payload encoding.
	EncodingJSON Encoding = "json"
	// EncodingCBOR is the compact binary payload encoding.
	EncodingCBOR Encoding = "cbor"
)

// ErrInvalidEncoding is returned by [New] when the configured encoding
// has no codec.
var ErrInvalidEncoding = errors.New("gateway: no codec for the requested encoding")

// Payload is one decoded gateway frame. Seq and Type are only present on
// DISPATCH frames (and Seq mirrors into heartbeats and resumes). Data is
// the event data, still in the connection's wire encoding — JSON
// subscribers can treat it as json.RawMessage.
type Payload struct {
	Op   Opcode
	Seq  *int64
	Type string
	Data []byte
}

// payloadCodec encodes outbound and decodes inbound gateway frames. One
// codec instance serves a session for its lifetime; the choice is made at
// construction from Config.Encoding.
type payloadCodec interface {
	// name is the value for the encoding query parameter.
	name() string
	// binary reports whether frames travel as WebSocket binary messages.
	binary() bool
	// encode serializes an outbound frame.
	encode(op Opcode, data any) ([]byte, error)
	// decode parses an inbound frame.
	decode(frame []byte) (*Payload, error)
	// decodeData parses a payload's Data field into v.
	decodeData(data []byte, v any) error
}

// newPayloadCodec resolves an encoding name to its codec. Unknown names
// fail here, at construction, rather than on the first frame.
func newPayloadCodec(encoding Encoding) (payloadCodec, error) {
	switch encoding {
	case "", EncodingJSON:
		return jsonCodec{}, nil
	case EncodingCBOR:
		return newCBORCodec(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, encoding)
	}
}

// jsonEnvelope is the wire shape of a gateway frame.
type jsonEnvelope struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) name() string { return string(EncodingJSON) }

func (jsonCodec) binary() bool { return false }

func (jsonCodec) encode(op Opcode, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("gateway: encoding %s data: %w", op, err)
	}
	return json.Marshal(jsonEnvelope{Op: int(op), Data: raw})
}

func (jsonCodec) decode(frame []byte) (*Payload, error) {
	var envelope jsonEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("gateway: unparseable frame: %w", err)
	}
	return &Payload{
		Op:   Opcode(envelope.Op),
		Seq:  envelope.Seq,
		Type: envelope.Type,
		Data: envelope.Data,
	}, nil
}

func (jsonCodec) decodeData(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
