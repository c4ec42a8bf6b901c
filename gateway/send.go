// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

// RequestGuildMembersOptions narrows a member request. Zero values are
// omitted from the payload, except Limit, which the protocol requires
// alongside Query.
type RequestGuildMembersOptions struct {
	// Query filters members by username prefix. An empty, non-nil query
	// matches all members (subject to Limit).
	Query *string

	// Limit caps the number of members returned. Required with Query;
	// zero means no limit for an empty query.
	Limit int

	// Presences requests presence data with each member.
	Presences bool

	// UserIDs requests specific members instead of a query match.
	UserIDs []string

	// Nonce is echoed in the GUILD_MEMBERS_CHUNK responses, for matching
	// chunks to this request.
	Nonce string
}

type requestGuildMembersData struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// RequestGuildMembers asks the gateway to stream a guild's member list
// in GUILD_MEMBERS_CHUNK dispatches.
func (s *Session) RequestGuildMembers(guildID string, opts RequestGuildMembersOptions) error {
	return s.sendPayload(OpRequestGuildMembers, requestGuildMembersData{
		GuildID:   guildID,
		Query:     opts.Query,
		Limit:     opts.Limit,
		Presences: opts.Presences,
		UserIDs:   opts.UserIDs,
		Nonce:     opts.Nonce,
	})
}

type voiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"` // null leaves the current channel
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// UpdateVoiceState joins or moves to a voice channel, or disconnects
// when channelID is nil.
func (s *Session) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	return s.sendPayload(OpVoiceStateUpdate, voiceStateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
}

type presenceData struct {
	Since  *int64 `json:"since"` // null unless idle
	Game   any    `json:"game"`
	Status string `json:"status"`
	AFK    bool   `json:"afk"`
}

// UpdatePresence changes the client's displayed status. game may be nil;
// since (milliseconds since the client went idle) applies to the idle
// status only.
func (s *Session) UpdatePresence(status string, afk bool, game any, since *int64) error {
	return s.sendPayload(OpPresenceUpdate, presenceData{
		Since:  since,
		Game:   game,
		Status: status,
		AFK:    afk,
	})
}
