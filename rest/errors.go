// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"errors"
	"fmt"
)

// RouteError reports a malformed path template or a placeholder with no
// matching parameter.
type RouteError struct {
	// Template is the path template that failed to format.
	Template string
	// Reason describes what was wrong.
	Reason string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("rest: route %q: %s", e.Template, e.Reason)
}

// APIError represents a structured 4xx error response from the API.
// Callers use errors.As to extract the structured information:
//
//	var apiErr *rest.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Status == http.StatusNotFound { ... }
//	}
type APIError struct {
	// Status is the HTTP status code (400, 401, 403, 404, or 405).
	Status int
	// Code is the platform error code from the response envelope.
	Code int `json:"code"`
	// Message is the human-readable error description from the server.
	Message string `json:"message"`
	// Trace is the 6-character request trace ID, for correlating with
	// debug logs.
	Trace string `json:"-"`
	// Body is the raw response body, for error shapes the envelope does
	// not cover (e.g. per-field validation detail on 400s).
	Body []byte `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest: %d (code %d, trace %s): %s", e.Status, e.Code, e.Trace, e.Message)
}

// ServerError represents a 5xx response. The body carries no structured
// detail worth surfacing; the trace ID is what matters for correlation.
type ServerError struct {
	// Status is the HTTP status code (>= 500).
	Status int
	// Trace is the 6-character request trace ID.
	Trace string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rest: server error %d (trace %s)", e.Status, e.Trace)
}

// IsStatus reports whether err is an *APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == status
	}
	return false
}
