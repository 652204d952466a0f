package cortex

import "errors"

// Sentinel errors for the resilience layer. Callers are expected to test
// with errors.Is; wrapped variants carry request context.
var (
	// ErrAuthRequired means there is no usable session. The caller should
	// redirect to login; no amount of retrying will help.
	ErrAuthRequired = errors.New("cortex: authentication required")

	// ErrLoopDetected means the gateway hit its consecutive refresh-failure
	// bound and cleared the session. Terminal until SetSession.
	ErrLoopDetected = errors.New("cortex: token refresh loop detected")

	// ErrNoCachedData means a read was attempted offline with no usable
	// cache entry.
	ErrNoCachedData = errors.New("cortex: no cached data for offline read")

	// ErrActionFailed means a queued action exhausted its retry budget and
	// was dropped from the queue.
	ErrActionFailed = errors.New("cortex: queued action permanently failed")

	// ErrConnectivityLost means the realtime channel exhausted its
	// reconnect attempts and settled into the Closed state.
	ErrConnectivityLost = errors.New("cortex: realtime connectivity lost")

	// ErrRateLimited is returned on HTTP 429. The client does not retry;
	// backoff policy is left to the caller.
	ErrRateLimited = errors.New("cortex: rate limited")

	// ErrNotConnected is returned when sending on a channel that is not Open.
	ErrNotConnected = errors.New("cortex: channel not connected")
)

// APIError represents a structured error returned by the Cortex API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
