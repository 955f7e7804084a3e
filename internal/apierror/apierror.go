// Package apierror provides a centralized error response format for the API
// manager. All components use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes, and forwarding
// failures carry the failing upstream URL and underlying cause so an
// operator can attribute the error without log spelunking.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound         ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	UpstreamUnreachable   ErrorCode = "GATEWAY_UPSTREAM_UNREACHABLE"
	UpstreamTimeout       ErrorCode = "GATEWAY_UPSTREAM_TIMEOUT"
	UpstreamProtocolError ErrorCode = "GATEWAY_UPSTREAM_PROTOCOL_ERROR"
	RequestCancelled      ErrorCode = "GATEWAY_REQUEST_CANCELLED"
	RateLimitExceeded     ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "GATEWAY_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "GATEWAY_BODY_TOO_LARGE"
	DeadlineExceeded      ErrorCode = "GATEWAY_DEADLINE_EXCEEDED"
	AdminForbidden        ErrorCode = "GATEWAY_ADMIN_FORBIDDEN"
)

// ErrorResponse is the standardized error body. Upstream and Cause are set
// only for forwarding failures.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Upstream  string `json:"upstream,omitempty"`
	Cause     string `json:"cause,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id or upstream since those vary per request.
var (
	preRouteNotFound     = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preBodyTooLarge      = mustMarshal(http.StatusRequestEntityTooLarge, BodyTooLarge, "request body exceeds maximum allowed size")
	preAdminForbidden    = mustMarshal(http.StatusForbidden, AdminForbidden, "admin access denied")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteUpstreamJSON writes a forwarding-failure response attributing the
// failing upstream base URL and the underlying transport cause.
func WriteUpstreamJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message, upstream, cause string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		Upstream:  upstream,
		Cause:     cause,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == BodyTooLarge && status == http.StatusRequestEntityTooLarge && message == "request body exceeds maximum allowed size":
		return preBodyTooLarge
	case code == AdminForbidden && status == http.StatusForbidden && message == "admin access denied":
		return preAdminForbidden
	}
	return nil
}
