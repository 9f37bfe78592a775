package remote

import (
	"errors"
	"net"
	"net/url"
)

// IsNetworkError reports whether err is a transport-level failure (server
// unreachable, timeout, connection reset) rather than an HTTP status error.
// Push uses this to route changes into the offline queue instead of failing.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	// HTTP status classes mean the server answered.
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) {
		return false
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
