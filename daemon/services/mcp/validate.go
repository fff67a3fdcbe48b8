package mcp

import (
	"net/http"
	"strings"
)

// supportedProtocolVersions lists the MCP protocol versions this
// transport negotiates against, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26"}

func isSupportedProtocolVersion(v string) bool {
	for _, s := range supportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// httpValidationError is returned by a Validator to short-circuit
// request handling with a specific HTTP status and message.
type httpValidationError struct {
	status  int
	message string
}

func (e *httpValidationError) Error() string { return e.message }

func rejectWith(status int, message string) *httpValidationError {
	return &httpValidationError{status: status, message: message}
}

// Validator inspects one inbound HTTP request and either lets it through
// (nil) or rejects it with a concrete status code. Validators compose:
// the transport runs its configured pipeline in order and stops at the
// first rejection, so higher-priority checks (malformed Accept header)
// are reported before lower-priority ones (unknown session).
type Validator func(r *http.Request, t *streamableState) *httpValidationError

// acceptHeaderValidator requires the given media type to be acceptable,
// per the Accept header, for endpoints that respond with that type.
func acceptHeaderValidator(mediaType string) Validator {
	return func(r *http.Request, _ *streamableState) *httpValidationError {
		accept := r.Header.Get("Accept")
		if accept == "" || strings.Contains(accept, "*/*") || strings.Contains(accept, mediaType) {
			return nil
		}
		return rejectWith(http.StatusNotAcceptable, "Accept header must include "+mediaType)
	}
}

// acceptBothValidator requires every one of mediaTypes to be present in
// the Accept header. Used on the stateful POST pipeline, where the
// response may take either shape (a direct JSON body or an SSE stream)
// depending on how the server answers, so the client must declare it can
// take both up front (2025-06-18 Streamable HTTP, POST requirements).
// Unlike acceptHeaderValidator, an absent Accept header is rejected: the
// spec requires the client to declare both types explicitly.
func acceptBothValidator(mediaTypes ...string) Validator {
	return func(r *http.Request, _ *streamableState) *httpValidationError {
		accept := r.Header.Get("Accept")
		for _, mt := range mediaTypes {
			if !strings.Contains(accept, mt) {
				return rejectWith(http.StatusNotAcceptable, "Accept header must include "+mt)
			}
		}
		return nil
	}
}

// contentTypeValidator requires POST bodies to be declared as JSON.
func contentTypeValidator(r *http.Request, _ *streamableState) *httpValidationError {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		return nil
	}
	return rejectWith(http.StatusUnsupportedMediaType, "Content-Type must be application/json")
}

// protocolVersionValidator enforces the MCP-Protocol-Version header per
// the 2025-06-18 spec. A missing header is tolerated for backward
// compatibility with the prior transport revision, which had no header.
func protocolVersionValidator(r *http.Request, _ *streamableState) *httpValidationError {
	version := r.Header.Get("MCP-Protocol-Version")
	if version == "" {
		return nil
	}
	if !isSupportedProtocolVersion(version) {
		return rejectWith(http.StatusBadRequest, "unsupported MCP-Protocol-Version "+version)
	}
	return nil
}

// sessionValidator enforces that a stateful transport's session id
// header, once a session has been established, names a live session. It
// lets an empty header through unconditionally: at this point in the
// pipeline the request body hasn't been read yet, so there's no way to
// tell an `initialize` call (which legitimately has no session id) from
// any other method (which doesn't). resolveSession makes that call once
// the body is classified, rejecting a missing id on anything but
// `initialize` with 400.
func sessionValidator(r *http.Request, t *streamableState) *httpValidationError {
	if !t.stateful {
		return nil
	}
	clientID := r.Header.Get("Mcp-Session-Id")
	if clientID == "" {
		return nil
	}
	if _, ok := t.sessions.get(clientID); !ok {
		return rejectWith(http.StatusNotFound, "unknown or terminated session")
	}
	return nil
}

// originValidator enforces the configured allowlist against the Origin
// header, defending the local endpoint against DNS-rebinding attacks
// from browser-hosted clients. An empty allowlist permits all origins.
func originValidator(allowed map[string]bool) Validator {
	return func(r *http.Request, _ *streamableState) *httpValidationError {
		if len(allowed) == 0 {
			return nil
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return nil
		}
		if !allowed[origin] {
			return rejectWith(http.StatusForbidden, "origin not allowed: "+origin)
		}
		return nil
	}
}

// runValidators executes pipeline in order against r, writing an HTTP
// error response and returning false on the first rejection.
func runValidators(w http.ResponseWriter, r *http.Request, t *streamableState, pipeline []Validator) bool {
	for _, v := range pipeline {
		if rejErr := v(r, t); rejErr != nil {
			http.Error(w, rejErr.message, rejErr.status)
			return false
		}
	}
	return true
}
