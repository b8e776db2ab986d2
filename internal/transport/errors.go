package transport

import "fmt"

// ConfigError is a configuration-integrity failure: a required routing
// identifier is absent or still a placeholder template value. It is
// detected before any network call, never retried, and is meant for
// the operator embedding the widget, not the end user.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("missing required configuration: %s", e.Field)
	}
	return fmt.Sprintf("configuration field %s holds placeholder value %q", e.Field, e.Value)
}

// TransportError is a realtime connection failure. Persistent is set
// once the reconnect attempt ceiling has been exhausted; the caller
// should fall back to the synchronous request path.
type TransportError struct {
	Reason     string
	Persistent bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }
