// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// majorParams are the placeholder names whose value partitions rate-limit
// buckets that would otherwise collide under one path template. Order
// matters: the first present wins.
var majorParams = [...]string{"guild_id", "channel_id", "webhook_id"}

// Route identifies a REST endpoint: an HTTP method, a path template with
// %{name} placeholders, and the parameter values to substitute. Routes are
// immutable values; two routes are equal iff method, template, and all
// params are equal.
type Route struct {
	// Method is the HTTP verb (http.MethodGet, ...).
	Method string

	// Path is the path template, e.g. "/channels/%{channel_id}/messages".
	// The template — not the formatted path — feeds the rate-limit key, so
	// requests for different IDs share a key unless a major param differs.
	Path string

	// Params maps placeholder names to values (strings or integers).
	Params map[string]any
}

// NewRoute builds a Route from a method, template, and alternating
// name/value parameter pairs:
//
//	rest.NewRoute(http.MethodGet, "/channels/%{channel_id}/messages", "channel_id", 42)
//
// Panics on an odd pair count or a non-string name — both are programmer
// errors in endpoint helper code, not runtime conditions.
func NewRoute(method, path string, pairs ...any) Route {
	if len(pairs)%2 != 0 {
		panic("rest: NewRoute requires name/value pairs")
	}
	params := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("rest: NewRoute param name %v is not a string", pairs[i]))
		}
		params[name] = pairs[i+1]
	}
	return Route{Method: method, Path: path, Params: params}
}

// Format substitutes every %{name} placeholder in the path template with
// its parameter value. Returns a *RouteError if a placeholder has no
// matching param or the template is malformed.
func (r Route) Format() (string, error) {
	var out strings.Builder
	rest := r.Path
	for {
		start := strings.Index(rest, "%{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return "", &RouteError{Template: r.Path, Reason: "unterminated placeholder"}
		}
		name := rest[start+2 : start+end]
		value, ok := r.Params[name]
		if !ok {
			return "", &RouteError{Template: r.Path, Reason: "missing param " + strconv.Quote(name)}
		}
		out.WriteString(paramString(value))
		rest = rest[start+end+1:]
	}
}

// MajorParam returns the value of the first present major parameter
// (guild_id, channel_id, webhook_id — in that order), or "" when none is
// set.
func (r Route) MajorParam() string {
	for _, name := range majorParams {
		if value, ok := r.Params[name]; ok {
			return paramString(value)
		}
	}
	return ""
}

// RateLimitKey derives the string that groups requests whose quota the
// server shares: "<lowercase method>:<template>:<major param or empty>".
// The unformatted template appears verbatim so that two requests for
// different IDs of the same endpoint produce different keys only when the
// major param differs.
func (r Route) RateLimitKey() string {
	return strings.ToLower(r.Method) + ":" + r.Path + ":" + r.MajorParam()
}

// Equal reports whether two routes identify the same request: same
// method, same template, and the same param names with values that render
// to the same string (so 42 and "42" are equal).
func (r Route) Equal(other Route) bool {
	if r.Method != other.Method || r.Path != other.Path || len(r.Params) != len(other.Params) {
		return false
	}
	for name, value := range r.Params {
		otherValue, ok := other.Params[name]
		if !ok || paramString(value) != paramString(otherValue) {
			return false
		}
	}
	return true
}

// String renders the route for logs: "GET /channels/%{channel_id}/messages{channel_id=42}".
func (r Route) String() string {
	if len(r.Params) == 0 {
		return r.Method + " " + r.Path
	}
	names := make([]string, 0, len(r.Params))
	for name := range r.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + paramString(r.Params[name])
	}
	return r.Method + " " + r.Path + "{" + strings.Join(pairs, ",") + "}"
}

// paramString renders a parameter value for path substitution and key
// derivation. Snowflake IDs arrive as int64, uint64, int, or string
// depending on the caller.
func paramString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fmt.Sprint(v)
	}
}
