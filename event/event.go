// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

// Package event provides a minimal named-event subscription primitive.
//
// The gateway session engine uses an [Emitter] to fan out server events to
// consumers: handlers registered under an opcode name receive the full
// payload record, handlers registered under a dispatch event name (READY,
// MESSAGE_CREATE, ...) receive only the event data. Handler invocation is
// synchronous on the emitting goroutine — for the gateway that means the
// read loop, so slow handlers delay subsequent frames. Consumers that need
// concurrency should hand work off to their own goroutines.
package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler receives the payload passed to [Emitter.Emit].
type Handler func(payload any)

// Emitter dispatches payloads to handlers registered by name. Multiple
// handlers per name fire in registration order. The zero value is not
// usable; create with [New].
type Emitter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an Emitter. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// On registers handler for the given event name. Handlers registered for
// the same name run in registration order.
func (e *Emitter) On(name string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], handler)
}

// Off removes all handlers registered for the given event name.
func (e *Emitter) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, name)
}

// Emit invokes every handler registered for name, in registration order,
// on the calling goroutine. A panicking handler is recovered and logged;
// subsequent handlers still run.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.RLock()
	handlers := e.handlers[name]
	e.mu.RUnlock()

	for _, handler := range handlers {
		e.invoke(name, handler, payload)
	}
}

// invoke runs one handler with panic isolation. Split out so the deferred
// recover covers exactly one handler call.
func (e *Emitter) invoke(name string, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(payload)
}
