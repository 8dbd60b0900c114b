// Package device owns per-appliance sessions: the attribute store, the
// status merge algorithm, transport selection between the local socket and
// the cloud relay, and change propagation to subscribers.
package device

import "errors"

var (
	// ErrResponse indicates a malformed device response.
	ErrResponse = errors.New("malformed response")

	// ErrRefreshFailed indicates a status refresh completed via no path.
	ErrRefreshFailed = errors.New("status refresh failed")
)
