// internal/errors/constructors.go
package errors

import "fmt"

// FetchFailed creates a snapshot fetch error for the given resource.
func FetchFailed(resource string, err error) *LiveError {
	return Wrap(err, CodeFetchFailed, fmt.Sprintf("snapshot fetch failed: %s", resource)).
		WithDetail("resource", resource)
}

// FetchStatus creates a snapshot fetch error for a non-success HTTP status.
func FetchStatus(resource string, status int) *LiveError {
	return New(CodeFetchFailed, fmt.Sprintf("snapshot fetch returned status %d: %s", status, resource)).
		WithDetail("resource", resource).
		WithDetail("status", status)
}

// MalformedMessage creates an error for a push payload that failed shape validation.
func MalformedMessage(reason string) *LiveError {
	return New(CodeMalformedMessage, fmt.Sprintf("malformed message: %s", reason))
}

// SubscriptionFailed creates an error for a failed join or leave control call.
func SubscriptionFailed(op string, topics []string, err error) *LiveError {
	return Wrap(err, CodeSubscriptionFailed, fmt.Sprintf("%s failed for %d topic(s)", op, len(topics))).
		WithDetail("op", op).
		WithDetail("topics", topics)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *LiveError {
	return New(CodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// TransportClosed reports use of a transport after it was closed.
func TransportClosed() *LiveError {
	return New(CodeTransportClosed, "transport is closed")
}
