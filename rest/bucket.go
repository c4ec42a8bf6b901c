// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Rate-limit response headers. Header lookup through http.Header is
// case-insensitive; these are the canonical spellings.
const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerBucket     = "X-RateLimit-Bucket"
	headerResetAfter = "X-RateLimit-Reset-After" // seconds, floating
	headerGlobal     = "X-RateLimit-Global"      // "true" on global 429s
	headerRetryAfter = "Retry-After"             // milliseconds, floating
)

// globalKey is the reserved bucket ID for the account-wide quota applied
// across all rate-limit keys when the server signals x-ratelimit-global.
const globalKey = "global"

// bucket mirrors one server-side quota window: how many requests the
// window allows, how many remain, and when the window resets. The mutex is
// held for the duration of any pre-emptive sleep so that requests sharing
// the bucket queue up behind the wait instead of piling onto an exhausted
// quota.
type bucket struct {
	clk clock.Clock

	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
}

func newBucket(clk clock.Clock) *bucket {
	return &bucket{clk: clk}
}

// update replaces the bucket state. Called with fresh header values after
// every response that carries them.
func (b *bucket) update(limit, remaining int, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = limit
	b.remaining = remaining
	b.resetAt = resetAt
}

// willRateLimit predicts whether the next request on this bucket would be
// rejected: the quota is spent and the window has not reset yet.
func (b *bucket) willRateLimit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining-1 < 0 && !b.clk.Now().After(b.resetAt)
}

// waitUntilAvailable blocks until any holder of the bucket mutex releases
// it, then returns immediately. Barrier semantics: used by requests on
// other keys to respect a held global bucket without themselves holding it.
func (b *bucket) waitUntilAvailable() {
	b.mu.Lock()
	b.mu.Unlock() //nolint:staticcheck // barrier: acquire and release, no critical section
}

// lockUntilReset holds the bucket mutex until the reset instant elapses.
// A reset in the past means zero wait — never a negative sleep.
func (b *bucket) lockUntilReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wait := b.resetAt.Sub(b.clk.Now()); wait > 0 {
		b.clk.Sleep(wait)
	}
}

// sleepIfExhausted holds the bucket mutex and, when the bucket predicts
// rate-limiting, sleeps until the window resets. This is the pre-emptive
// wait the transport performs before sending a request.
func (b *bucket) sleepIfExhausted(logger *slog.Logger, key, trace string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining-1 >= 0 || b.clk.Now().After(b.resetAt) {
		return
	}
	wait := b.resetAt.Sub(b.clk.Now())
	if wait <= 0 {
		return
	}
	logger.Debug("bucket exhausted, sleeping until reset",
		"rl_key", key,
		"trace", trace,
		"wait", wait,
	)
	b.clk.Sleep(wait)
}

// bucketTable maps rate-limit keys to bucket state. The server names
// buckets itself (x-ratelimit-bucket); until a response reveals the ID for
// a key, the key resolves through a fallback entry. Once the ID is known
// the key is redirected to the ID-keyed bucket, so both paths reach the
// same *bucket at steady state — keys always bind to bucket objects, never
// to ID strings.
type bucketTable struct {
	clk    clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	keyToID     map[string]string
	idToBucket  map[string]*bucket
	keyToBucket map[string]*bucket // fallback before the server ID is known
}

func newBucketTable(clk clock.Clock, logger *slog.Logger) *bucketTable {
	return &bucketTable{
		clk:         clk,
		logger:      logger,
		keyToID:     make(map[string]string),
		idToBucket:  make(map[string]*bucket),
		keyToBucket: make(map[string]*bucket),
	}
}

// lookup resolves a rate-limit key to its bucket: via the server bucket ID
// when known, otherwise via the fallback entry. Returns nil for a key with
// no observed state.
func (t *bucketTable) lookup(key string) *bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.keyToID[key]; ok {
		if b, ok := t.idToBucket[id]; ok {
			return b
		}
	}
	return t.keyToBucket[key]
}

// global returns the reserved account-wide bucket, creating it on first
// use.
func (t *bucketTable) global() *bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.idToBucket[globalKey]
	if !ok {
		b = newBucket(t.clk)
		t.idToBucket[globalKey] = b
	}
	return b
}

// observe updates bucket state from response headers. Idempotent: replaying
// the same headers produces the same state.
//
// Three cases:
//   - limit/remaining/reset-after/bucket all present: the bucket is
//     (re)bound under its server ID and the key redirected to it.
//   - only retry-after present (429 without bucket detail): an exhausted
//     bucket (limit=0, remaining=0) is installed whose reset is
//     now + retry-after. Retry-After is milliseconds, floating.
//   - nothing present: state untouched, a debug note recorded.
func (t *bucketTable) observe(key string, header http.Header, trace string) {
	limitStr := header.Get(headerLimit)
	remainingStr := header.Get(headerRemaining)
	bucketID := header.Get(headerBucket)
	resetAfterStr := header.Get(headerResetAfter)
	retryAfterStr := header.Get(headerRetryAfter)

	if limitStr != "" && remainingStr != "" && bucketID != "" && resetAfterStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			t.logger.Debug("unparseable rate-limit header", "rl_key", key, "trace", trace, "header", headerLimit, "value", limitStr)
			return
		}
		remaining, err := strconv.Atoi(remainingStr)
		if err != nil {
			t.logger.Debug("unparseable rate-limit header", "rl_key", key, "trace", trace, "header", headerRemaining, "value", remainingStr)
			return
		}
		resetAfter, err := strconv.ParseFloat(resetAfterStr, 64)
		if err != nil {
			t.logger.Debug("unparseable rate-limit header", "rl_key", key, "trace", trace, "header", headerResetAfter, "value", resetAfterStr)
			return
		}
		resetAt := t.clk.Now().Add(time.Duration(resetAfter * float64(time.Second)))

		t.mu.Lock()
		b, ok := t.idToBucket[bucketID]
		if !ok {
			// Redirect the fallback entry under the server ID if one
			// exists, so earlier waiters and later requests share state.
			if fallback, ok := t.keyToBucket[key]; ok {
				b = fallback
			} else {
				b = newBucket(t.clk)
			}
			t.idToBucket[bucketID] = b
		}
		t.keyToID[key] = bucketID
		t.keyToBucket[key] = b
		t.mu.Unlock()

		b.update(limit, remaining, resetAt)
		return
	}

	if retryAfterStr != "" {
		retryAfterMillis, err := strconv.ParseFloat(retryAfterStr, 64)
		if err != nil {
			t.logger.Debug("unparseable rate-limit header", "rl_key", key, "trace", trace, "header", headerRetryAfter, "value", retryAfterStr)
			return
		}
		resetAt := t.clk.Now().Add(time.Duration(retryAfterMillis / 1000 * float64(time.Second)))

		b := t.lookup(key)
		if b == nil {
			b = newBucket(t.clk)
			t.mu.Lock()
			t.keyToBucket[key] = b
			t.mu.Unlock()
		}
		b.update(0, 0, resetAt)
		return
	}

	t.logger.Debug("response carried no rate-limit headers", "rl_key", key, "trace", trace)
}

// globalLock installs the account-wide lockout signalled by a 429 with
// x-ratelimit-global: true, and holds the global bucket mutex in the
// background until its reset instant elapses. Requests on every key block
// at the global barrier for the duration.
func (t *bucketTable) globalLock(header http.Header, trace string) {
	retryAfterStr := header.Get(headerRetryAfter)
	retryAfterMillis, err := strconv.ParseFloat(retryAfterStr, 64)
	if err != nil {
		t.logger.Debug("global 429 without parseable retry-after", "trace", trace, "value", retryAfterStr)
		return
	}
	resetAt := t.clk.Now().Add(time.Duration(retryAfterMillis / 1000 * float64(time.Second)))

	b := t.global()
	b.update(0, 0, resetAt)
	t.logger.Warn("global rate limit hit, locking all requests",
		"trace", trace,
		"retry_after_ms", retryAfterMillis,
	)
	go b.lockUntilReset()
}

// isGlobal reports whether a 429 response declares the account-wide limit.
func isGlobal(header http.Header) bool {
	return strings.EqualFold(header.Get(headerGlobal), "true")
}
