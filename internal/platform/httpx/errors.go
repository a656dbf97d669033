// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"net/http"
)

// RespondError is the fallback for errors a handler did not map itself.
// Cancelled and timed-out requests are reported as such; everything else
// becomes an opaque 500 so internals never leak to clients.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		Problem(w, 499, "Client Closed Request", "")
	case errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Timeout", "request deadline exceeded")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
