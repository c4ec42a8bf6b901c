// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/chordlabs/chord/lib/netutil"
)

// APIVersion is the REST and gateway protocol version this library
// speaks.
const APIVersion = 10

// Version is the library release, reported in the User-Agent string.
const Version = "0.3.0"

// DefaultBaseURL is the versioned REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

// defaultUserAgent follows the platform's required bot UA format.
var defaultUserAgent = fmt.Sprintf("DiscordBot (https://github.com/chordlabs/chord, %s)", Version)

// Config holds configuration for creating a Client.
type Config struct {
	// Token is the bot token. The "Bot " authorization prefix is applied
	// by the client; a token that already carries it is accepted.
	Token string

	// BaseURL overrides the API root. Defaults to DefaultBaseURL. Tests
	// point this at an httptest server.
	BaseURL string

	// HTTPClient supplies the base transport and timeout. If nil,
	// http.DefaultClient is used. Its transport is wrapped with the
	// rate-limit layer; per-request timeouts belong here.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default() is
	// used.
	Logger *slog.Logger

	// UserAgent overrides the default User-Agent string.
	UserAgent string

	// Clock overrides the time source for rate-limit waits. If nil, the
	// real clock is used. Tests inject clock.NewMock().
	Clock clock.Clock
}

// Client is the REST dispatcher. It owns the composed transport
// (rate-limit layer over the base HTTP transport), the authorization
// header, and the status-to-error mapping. Endpoint helpers build a
// [Route] plus options and call [Client.Request] or [Client.RequestJSON].
//
// Client is safe for concurrent use: any number of callers may dispatch
// at once, and the transport serializes only those that share a
// rate-limit key.
type Client struct {
	baseURL       string
	authorization string
	userAgent     string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a REST dispatcher for the given bot token.
func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("rest: Token is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid BaseURL %q: %w", baseURL, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	base := config.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	baseTransport := base.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Enforce the prefix exactly once, whatever the caller supplied.
		authorization: "Bot " + strings.TrimPrefix(config.Token, "Bot "),
		userAgent:     userAgent,
		httpClient: &http.Client{
			Transport: newLimitTransport(baseTransport, clk, logger),
			Timeout:   base.Timeout,
		},
		logger: logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a network disruption to
// force subsequent requests onto fresh TCP connections instead of a
// poisoned pooled one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// File is one multipart upload: the filename presented to the API and the
// content to send.
type File struct {
	Name     string
	Contents io.Reader
}

// RequestOptions carries the optional parts of a request. A nil
// *RequestOptions means a bare request with no query, body, or audit
// reason.
type RequestOptions struct {
	// Query is appended to the request URL.
	Query url.Values

	// JSON, when non-nil, is serialized as the request body with
	// Content-Type application/json.
	JSON any

	// Files, when non-empty, switches the body to a multipart form
	// upload: each file becomes a sequentially numbered part, and JSON
	// (if set) travels in the payload_json field. Mutually inclusive
	// with JSON.
	Files []File

	// Reason, when set, travels in the X-Audit-Log-Reason header.
	Reason string
}

// Request dispatches a request for the given route and returns the raw
// response body. 204 and 304 return a nil body. 429 never surfaces: the
// rate-limit transport has already recorded the mandated wait, and the
// dispatcher retries the same request until the server accepts it.
// Client errors (400, 401, 403, 404, 405) return *APIError; 5xx returns
// *ServerError.
func (c *Client) Request(ctx context.Context, route Route, opts *RequestOptions) ([]byte, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	path, err := route.Format()
	if err != nil {
		return nil, err
	}
	requestURL := c.baseURL + path
	if len(opts.Query) > 0 {
		requestURL += "?" + opts.Query.Encode()
	}

	trace := newTrace()
	ctx = withRequestTag(ctx, requestTag{key: route.RateLimitKey(), trace: trace})

	// The body is materialized once so 429 retries can replay it.
	body, contentType, err := buildBody(opts)
	if err != nil {
		return nil, err
	}

	for {
		request, err := http.NewRequestWithContext(ctx, route.Method, requestURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rest: failed to create request: %w", err)
		}
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}
		request.Header.Set("Authorization", c.authorization)
		request.Header.Set("User-Agent", c.userAgent)
		if opts.Reason != "" {
			request.Header.Set("X-Audit-Log-Reason", opts.Reason)
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return nil, fmt.Errorf("rest: request to %s %s failed: %w", route.Method, path, err)
		}

		responseBody, err := netutil.ReadResponse(response.Body)
		response.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("rest: failed to read response body: %w", err)
		}

		switch {
		case response.StatusCode == http.StatusNoContent || response.StatusCode == http.StatusNotModified:
			return nil, nil

		case response.StatusCode >= 200 && response.StatusCode < 300:
			return responseBody, nil

		case response.StatusCode == http.StatusTooManyRequests:
			// The transport observed the 429 headers before returning, so
			// the next attempt waits out the mandated delay inside the
			// rate-limit layer. Loop until the server accepts.
			c.logger.Debug("rate limited, retrying request",
				"route", route.String(),
				"trace", trace,
			)
			continue

		case response.StatusCode == http.StatusBadRequest ||
			response.StatusCode == http.StatusUnauthorized ||
			response.StatusCode == http.StatusForbidden ||
			response.StatusCode == http.StatusNotFound ||
			response.StatusCode == http.StatusMethodNotAllowed:
			apiErr := &APIError{
				Status: response.StatusCode,
				Trace:  trace,
				Body:   responseBody,
			}
			// Best effort: a non-JSON error body still surfaces, just
			// without code and message filled in.
			if err := json.Unmarshal(responseBody, apiErr); err != nil {
				c.logger.Debug("error response body is not the standard envelope",
					"status", response.StatusCode,
					"trace", trace,
				)
			}
			return nil, apiErr

		case response.StatusCode >= 500:
			return nil, &ServerError{Status: response.StatusCode, Trace: trace}

		default:
			return nil, fmt.Errorf("rest: unexpected %d response from %s %s (trace %s)",
				response.StatusCode, route.Method, path, trace)
		}
	}
}

// RequestJSON dispatches a request and JSON-decodes the response body into
// v. A no-content response (204, 304) leaves v untouched.
func (c *Client) RequestJSON(ctx context.Context, route Route, opts *RequestOptions, v any) error {
	body, err := c.Request(ctx, route, opts)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("rest: failed to parse %s response: %w", route.String(), err)
	}
	return nil
}

// buildBody materializes the request body and its content type: JSON,
// multipart (files plus optional payload_json side-payload), or none.
func buildBody(opts *RequestOptions) ([]byte, string, error) {
	var payload []byte
	if opts.JSON != nil {
		encoded, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("rest: failed to encode request body: %w", err)
		}
		payload = encoded
	}

	if len(opts.Files) > 0 {
		return buildMultipart(payload, opts.Files)
	}
	if payload != nil {
		return payload, "application/json", nil
	}
	return nil, "", nil
}
