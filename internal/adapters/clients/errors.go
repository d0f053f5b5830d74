// Package clients provides the instrumented HTTP client used to reach the
// remote collection.
package clients

import "errors"

// Transport-level failures. The acl package maps them to domain network errors.
var (
	// ErrCircuitOpen means the breaker rejected the call without sending it.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrMaxRetriesExceeded wraps the last attempt's error once retries run out.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
