package errors

import (
	"fmt"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *CollabError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *CollabError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// InvalidUpdate reports a malformed awareness message.
func InvalidUpdate(reason string) *CollabError {
	return New(ErrCodeInvalidUpdate, fmt.Sprintf("invalid awareness update: %s", reason))
}

// InvalidState reports a local state value that cannot be used.
func InvalidState(reason string) *CollabError {
	return New(ErrCodeInvalidState, fmt.Sprintf("invalid state: %s", reason))
}

// InvalidRequest reports a bad HTTP query parameter.
func InvalidRequest(param, reason string) *CollabError {
	return New(ErrCodeInvalidRequest, fmt.Sprintf("invalid %s: %s", param, reason)).
		WithDetail("param", param)
}

// TransportFailed wraps a websocket or pub/sub failure.
func TransportFailed(op string, err error) *CollabError {
	return Wrap(err, ErrCodeTransport, fmt.Sprintf("transport failed: %s", op)).
		WithDetail("op", op)
}

// StorageFailed wraps a database failure.
func StorageFailed(op string, err error) *CollabError {
	return Wrap(err, ErrCodeStorage, fmt.Sprintf("storage failed: %s", op)).
		WithDetail("op", op)
}
