package testutil

import (
	"net/http"
	"time"

	id "ratebook/pkg/domain"
	"ratebook/pkg/requestcontext"
)

// WithPrincipal injects an authenticated principal into the request
// context, simulating what the principal middleware does for a verified
// bearer token.
func WithPrincipal(req *http.Request, principal id.Principal) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), principal))
}

// WithClock pins the request clock, so time-dependent behavior like
// availability checks can be tested deterministically.
func WithClock(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// WithRequestID injects a correlation ID into the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
