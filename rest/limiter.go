// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
)

// requestTag travels in the request context from the dispatcher to the
// rate-limit transport: which quota key the request charges, and the trace
// ID that correlates it with logs and errors.
type requestTag struct {
	key   string
	trace string
}

type requestTagKey struct{}

// withRequestTag attaches the rate-limit key and trace ID to a context.
func withRequestTag(ctx context.Context, tag requestTag) context.Context {
	return context.WithValue(ctx, requestTagKey{}, tag)
}

// tagFromContext extracts the request tag. Requests that bypass the
// dispatcher get a zero tag: they serialize under the "" key together,
// which is safe, just imprecise.
func tagFromContext(ctx context.Context) requestTag {
	tag, _ := ctx.Value(requestTagKey{}).(requestTag)
	return tag
}

// traceAlphabet is the character set for request trace IDs.
const traceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newTrace returns a random 6-character alphanumeric trace ID for
// correlating a request with its rate-limit bookkeeping and errors.
func newTrace() string {
	var buf [6]byte
	rand.Read(buf[:]) // never fails per crypto/rand contract
	for i := range buf {
		buf[i] = traceAlphabet[int(buf[i])%len(traceAlphabet)]
	}
	return string(buf[:])
}

// limitTransport wraps an http.RoundTripper with per-bucket rate limiting.
//
// Requests sharing a rate-limit key execute strictly one at a time, in
// mutex-acquisition order; requests on different keys proceed in parallel.
// Every request additionally passes the global barrier (acquire + release
// of the global bucket's mutex), so an account-wide lockout installed by
// globalLock stalls all traffic until its reset.
//
// Before dispatching, the transport consults the known bucket for the key
// and sleeps until the window resets if the quota is spent — holding the
// bucket mutex for the duration, which queues other holders. After every
// response the headers feed back into the bucket table, whether the
// request succeeded, was rate-limited, or carried an application error.
type limitTransport struct {
	base   http.RoundTripper
	table  *bucketTable
	clk    clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func newLimitTransport(base http.RoundTripper, clk clock.Clock, logger *slog.Logger) *limitTransport {
	return &limitTransport{
		base:     base,
		table:    newBucketTable(clk, logger),
		clk:      clk,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing requests for one rate-limit key,
// creating it on first use. Entries are never evicted: the map is bounded
// by the finite set of endpoint templates times the major IDs actually
// exercised.
func (t *limitTransport) keyLock(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.keyLocks[key] = lock
	}
	return lock
}

// RoundTrip implements http.RoundTripper.
func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tag := tagFromContext(req.Context())

	lock := t.keyLock(tag.key)
	lock.Lock()
	defer lock.Unlock()

	// Respect an account-wide lockout: globalLock holds this mutex until
	// the global window resets, so the barrier stalls here.
	t.table.global().waitUntilAvailable()

	if b := t.table.lookup(tag.key); b != nil {
		b.sleepIfExhausted(t.logger, tag.key, tag.trace)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	t.table.observe(tag.key, resp.Header, tag.trace)
	if resp.StatusCode == http.StatusTooManyRequests && isGlobal(resp.Header) {
		t.table.globalLock(resp.Header, tag.trace)
	}
	return resp, nil
}
