package backend

import "fmt"

// ConfigurationError represents an invalid or incomplete backend configuration,
// such as a missing server URL or API key. It is always raised before any
// network call is attempted.
type ConfigurationError struct {
	Backend string // Which backend the configuration belongs to (e.g., "prowlarr")
	Reason  string // Human-readable explanation of what is missing or invalid
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Backend, e.Reason)
}

// TransportError represents failures reaching the backend at all: connection
// refused, timeouts, DNS or TLS failures.
type TransportError struct {
	Operation string // The operation that failed (e.g., "search", "get_transfers")
	Err       error  // Underlying error, if any
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a rejected login or a session the backend
// refuses to honor even after a fresh login.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// BackendError represents a non-2xx response or a malformed payload from an
// otherwise reachable backend. The raw status and body are kept for caller
// diagnostics.
type BackendError struct {
	Operation  string // The operation that failed
	StatusCode int    // HTTP status code (0 for malformed-payload errors)
	Body       string // Raw response body, possibly truncated
	Err        error  // Underlying error, if any
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend error during %s: %s", e.Operation, e.Body)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// StaleReferenceError represents a grab against a release that has fallen out
// of the search backend's result cache. At the protocol level it is just a
// 404, but it is a known, non-retryable condition: the caller must search
// again rather than retry the grab.
type StaleReferenceError struct {
	GUID string // The release GUID that was no longer cached
	Err  error  // Underlying error, if any
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("release %s is no longer cached by the search backend, search again", e.GUID)
}

func (e *StaleReferenceError) Unwrap() error {
	return e.Err
}
