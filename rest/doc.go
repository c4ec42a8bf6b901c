// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

// Package rest implements the rate-limited REST dispatcher for the Chord
// API.
//
// The package is layered the way the wire protocol is layered. [Route]
// identifies an endpoint (verb + templated path + params) and derives the
// rate-limit key that groups requests sharing a server-side quota bucket.
// A bucket table tracks quota state (limit, remaining, reset-at) learned
// from x-ratelimit-* response headers. [limitTransport] wraps the HTTP
// transport: it serializes concurrent requests that share a rate-limit
// key, waits at the global barrier, sleeps pre-emptively when the known
// bucket is exhausted, and feeds response headers back into the table.
// [Client] sits on top: it builds requests (JSON or multipart), maps HTTP
// statuses to typed errors, and transparently retries 429s — by the time
// the retry re-enters the transport, the bucket table has already arranged
// the wait, so the loop converges.
//
// Every request carries a short random trace ID that appears in errors and
// debug logs, correlating a caller-visible failure with the rate-limit
// bookkeeping that preceded it.
//
// The concrete endpoint catalogue (channels, guilds, messages, ...) is not
// part of this package: endpoint helpers are thin wrappers that build a
// Route and call [Client.Request]. The two gateway bootstrap endpoints
// (GET /gateway, GET /gateway/bot) are the exception — the session engine
// needs them, so they ship here.
package rest
