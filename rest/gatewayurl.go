// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"context"
	"fmt"
	"net/http"
)

// GatewayBot is the response of GET /gateway/bot: where to connect, how
// many shards the platform recommends, and the identify budget.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes how many IDENTIFY calls the bot may make
// before the window resets.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayURL returns the WebSocket URL for unauthenticated gateway
// connections (GET /gateway).
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var response struct {
		URL string `json:"url"`
	}
	route := NewRoute(http.MethodGet, "/gateway")
	if err := c.RequestJSON(ctx, route, nil, &response); err != nil {
		return "", fmt.Errorf("rest: gateway url lookup failed: %w", err)
	}
	return response.URL, nil
}

// GatewayBot returns the WebSocket URL, recommended shard count, and
// session start limit for this bot (GET /gateway/bot).
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var response GatewayBot
	route := NewRoute(http.MethodGet, "/gateway/bot")
	if err := c.RequestJSON(ctx, route, nil, &response); err != nil {
		return nil, fmt.Errorf("rest: gateway bot lookup failed: %w", err)
	}
	return &response, nil
}
