package testutil

import (
	"net/http"
	"time"

	"rentkyc/pkg/requestcontext"
)

// WithRequestTime pins the request clock, simulating what the request-time
// middleware does for real traffic.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
