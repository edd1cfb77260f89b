// Package notify is the engine's push transport boundary. The transport is
// external; the engine only needs success/failure per attempt and does not
// deduplicate on the transport side.
package notify

import (
	"context"
	"net/http"
)

// Push is one notification to one device.
type Push struct {
	DeviceToken string
	Title       string
	Body        string
}

// Result reports one delivery attempt. Err is set only when the call itself
// failed (transport error, malformed request); an unreachable recipient comes
// back as a non-2xx status code instead.
type Result struct {
	StatusCode int
	Err        error
}

// OK reports whether the attempt delivered.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Retryable reports whether a failed attempt is worth re-trying. Transport
// errors and gateway-side pressure are transient; anything else (invalid
// token, rejected payload) is permanent.
func (r Result) Retryable() bool {
	if r.OK() {
		return false
	}
	if r.Err != nil {
		return true
	}
	if r.StatusCode == http.StatusRequestTimeout || r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

// Notifier delivers pushes. Implementations must be safe for concurrent use;
// the dispatcher and retry processor share one instance.
type Notifier interface {
	Send(ctx context.Context, push Push) Result
}
