// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"errors"
	"net/http"
	"testing"
)

func TestRouteFormat(t *testing.T) {
	t.Run("substitutes placeholders", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/channels/%{channel_id}/messages/%{message_id}",
			"channel_id", 42, "message_id", "777")
		path, err := route.Format()
		if err != nil {
			t.Fatalf("Format failed: %v", err)
		}
		if path != "/channels/42/messages/777" {
			t.Fatalf("Format = %q", path)
		}
	})

	t.Run("no placeholders", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/gateway")
		path, err := route.Format()
		if err != nil {
			t.Fatalf("Format failed: %v", err)
		}
		if path != "/gateway" {
			t.Fatalf("Format = %q", path)
		}
	})

	t.Run("missing param", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/channels/%{channel_id}")
		_, err := route.Format()
		if err == nil {
			t.Fatal("expected error for missing param")
		}
		var routeErr *RouteError
		if !errors.As(err, &routeErr) {
			t.Fatalf("error is %T, want *RouteError", err)
		}
	})

	t.Run("unterminated placeholder", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/channels/%{channel_id")
		if _, err := route.Format(); err == nil {
			t.Fatal("expected error for unterminated placeholder")
		}
	})
}

func TestRateLimitKey(t *testing.T) {
	t.Run("template appears verbatim with major value", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/channels/%{channel_id}/messages", "channel_id", 42)
		want := "get:/channels/%{channel_id}/messages:42"
		if got := route.RateLimitKey(); got != want {
			t.Fatalf("RateLimitKey = %q, want %q", got, want)
		}
	})

	t.Run("no major param", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/users/%{user_id}", "user_id", 7)
		want := "get:/users/%{user_id}:"
		if got := route.RateLimitKey(); got != want {
			t.Fatalf("RateLimitKey = %q, want %q", got, want)
		}
	})

	t.Run("same template different major values differ", func(t *testing.T) {
		a := NewRoute(http.MethodGet, "/channels/%{channel_id}", "channel_id", 1)
		b := NewRoute(http.MethodGet, "/channels/%{channel_id}", "channel_id", 2)
		if a.RateLimitKey() == b.RateLimitKey() {
			t.Fatal("different channel IDs produced the same key")
		}
	})

	t.Run("same template same major value collapses", func(t *testing.T) {
		a := NewRoute(http.MethodGet, "/channels/%{channel_id}/messages/%{message_id}",
			"channel_id", 1, "message_id", 10)
		b := NewRoute(http.MethodGet, "/channels/%{channel_id}/messages/%{message_id}",
			"channel_id", 1, "message_id", 20)
		if a.RateLimitKey() != b.RateLimitKey() {
			t.Fatal("same channel ID produced different keys")
		}
	})
}

func TestMajorParam(t *testing.T) {
	t.Run("ordering guild channel webhook", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/x",
			"webhook_id", "w", "channel_id", "c", "guild_id", "g")
		if got := route.MajorParam(); got != "g" {
			t.Fatalf("MajorParam = %q, want g (first of the fixed order)", got)
		}
	})

	t.Run("channel before webhook", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/x", "webhook_id", "w", "channel_id", "c")
		if got := route.MajorParam(); got != "c" {
			t.Fatalf("MajorParam = %q, want c", got)
		}
	})

	t.Run("absent", func(t *testing.T) {
		route := NewRoute(http.MethodGet, "/x", "user_id", "u")
		if got := route.MajorParam(); got != "" {
			t.Fatalf("MajorParam = %q, want empty", got)
		}
	})
}

func TestRouteEqual(t *testing.T) {
	a := NewRoute(http.MethodGet, "/channels/%{channel_id}", "channel_id", 42)

	if !a.Equal(NewRoute(http.MethodGet, "/channels/%{channel_id}", "channel_id", 42)) {
		t.Fatal("identical routes not equal")
	}
	if !a.Equal(NewRoute(http.MethodGet, "/channels/%{channel_id}", "channel_id", "42")) {
		t.Fatal("int and string forms of the same ID should compare equal")
	}
	if a.Equal(NewRoute(http.MethodPost, "/channels/%{channel_id}", "channel_id", 42)) {
		t.Fatal("different methods compared equal")
	}
	if a.Equal(NewRoute(http.MethodGet, "/channels/%{channel_id}", "channel_id", 43)) {
		t.Fatal("different params compared equal")
	}
	if a.Equal(NewRoute(http.MethodGet, "/guilds/%{guild_id}", "guild_id", 42)) {
		t.Fatal("different templates compared equal")
	}
}
