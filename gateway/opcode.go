// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "strconv"

// Opcode identifies what a gateway payload means and how to react to it.
// The values are wire-level protocol constants.
type Opcode int

const (
	// OpDispatch carries a server event, identified by the payload's
	// event name and sequence number.
	OpDispatch Opcode = 0
	// OpHeartbeat is sent periodically by the client; the server may also
	// send it to request an immediate beat.
	OpHeartbeat Opcode = 1
	// OpIdentify starts a new session.
	OpIdentify Opcode = 2
	// OpPresenceUpdate updates the client's displayed status.
	OpPresenceUpdate Opcode = 3
	// OpVoiceStateUpdate joins, moves between, or leaves voice channels.
	OpVoiceStateUpdate Opcode = 4
	// OpResume replays a dropped session from a sequence number.
	OpResume Opcode = 6
	// OpReconnect instructs the client to disconnect and reconnect.
	OpReconnect Opcode = 7
	// OpRequestGuildMembers requests member chunks for a guild.
	OpRequestGuildMembers Opcode = 8
	// OpInvalidSession voids the current session; the data flags whether
	// it may still be resumed.
	OpInvalidSession Opcode = 9
	// OpHello opens the handshake and carries the heartbeat interval.
	OpHello Opcode = 10
	// OpHeartbeatACK acknowledges a client heartbeat.
	OpHeartbeatACK Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpPresenceUpdate:      "PRESENCE_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatACK:        "HEARTBEAT_ACK",
}

// String returns the protocol name of the opcode. Subscribers use these
// names to receive raw frames; see [Session.On].
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "OPCODE_" + strconv.Itoa(int(op))
}

// Gateway close codes with engine-level meaning. Codes in 4000..4014 not
// listed here are recoverable: the engine reconnects and resumes.
const (
	// CloseNotAuthenticated: a payload was sent before identifying.
	CloseNotAuthenticated = 4003
	// CloseAuthenticationFailed: the token in IDENTIFY was rejected.
	CloseAuthenticationFailed = 4004
	// CloseInvalidSeq: the sequence sent in RESUME was invalid. The
	// session must be discarded before reconnecting.
	CloseInvalidSeq = 4007
	// CloseSessionTimedOut: the session expired server-side. The session
	// must be discarded before reconnecting.
	CloseSessionTimedOut = 4009
	// CloseShardingRequired: the bot needs sharding, or shard values
	// were invalid.
	CloseShardingRequired = 4011
)

// isFatalClose reports whether a close code must stop the engine instead
// of reconnecting: credential and sharding failures would just fail the
// same way again.
func isFatalClose(code int) bool {
	switch code {
	case CloseNotAuthenticated, CloseAuthenticationFailed, CloseShardingRequired:
		return true
	}
	return false
}

// clearsSession reports whether a close code invalidates the stored
// session, so the next handshake must IDENTIFY instead of RESUME.
func clearsSession(code int) bool {
	return code == CloseInvalidSeq || code == CloseSessionTimedOut
}
