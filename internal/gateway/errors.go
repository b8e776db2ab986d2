package gateway

import "fmt"

// InitError indicates the conversation-initializer handshake failed.
// The caller decides whether to retry the whole flow; the initializer
// never retries internally.
type InitError struct {
	StatusCode int // 0 on network-level failure
	Err        error
}

func (e *InitError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("init handshake failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("init handshake failed: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// RequestError indicates the fallback HTTP send path failed after
// exhausting its retry budget (or hit a non-retryable 4xx).
type RequestError struct {
	StatusCode int // 0 on network-level failure
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway request failed with status %d after %d attempt(s): %v", e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("gateway request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
