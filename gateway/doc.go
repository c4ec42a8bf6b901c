// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the persistent WebSocket session with the
// Chord real-time gateway.
//
// [Session] owns the connection lifecycle: it dials the gateway, answers
// the HELLO handshake with IDENTIFY (or RESUME when it holds a live
// session), drives the heartbeat with ack liveness detection, fans out
// DISPATCH events to subscribers, and recovers from transport and
// protocol faults. Recovery policy follows the close code: most codes in
// the 4000 range reconnect and resume; invalid-seq and session-timeout
// codes clear the session so the next handshake re-identifies; the
// authentication and sharding codes are fatal and stop the engine.
//
// Payloads travel as JSON by default, or CBOR when the session is
// constructed with EncodingCBOR. With Compress enabled the gateway sends
// a single zlib stream across the whole connection, flushed per message;
// the inflater reassembles fragments and cuts messages at the
// 0x00 0x00 0xFF 0xFF sync-flush boundary.
//
// The engine does not surface transient faults to application code: it
// logs, reconnects, and keeps going. Subscribe to opcode names for raw
// frames or to dispatch event names (READY, MESSAGE_CREATE, ...) for
// event data; see [Session.On].
package gateway
