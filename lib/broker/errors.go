package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a PluginError. The kinds are sentinel errors so
// callers can match them with errors.Is:
//
//	if errors.Is(err, broker.Timeout) { ... }
type ErrorKind struct {
	name string
}

func (k *ErrorKind) Error() string { return k.name }

// String returns the kind name.
func (k *ErrorKind) String() string { return k.name }

var (
	// UnknownPlugin: no session is registered under the identity.
	UnknownPlugin = &ErrorKind{"unknown plugin"}

	// SessionNotReady: the session is not accepting requests.
	SessionNotReady = &ErrorKind{"session not ready"}

	// Timeout: the request deadline elapsed before a response arrived.
	Timeout = &ErrorKind{"timeout"}

	// ProtocolViolation: the plugin sent something it must not.
	ProtocolViolation = &ErrorKind{"protocol violation"}

	// TransportFailure: the byte stream failed or the process exited.
	TransportFailure = &ErrorKind{"transport failure"}

	// PluginReportedError: the plugin answered with an error.
	PluginReportedError = &ErrorKind{"plugin reported error"}

	// Unsupported: the plugin did not declare the operation.
	Unsupported = &ErrorKind{"unsupported operation"}

	// SessionClosed: the session was shut down by Core.
	SessionClosed = &ErrorKind{"session closed"}
)

// PluginError is the error type surfaced to clients and published to
// subscribers.
type PluginError struct {
	Plugin    Identity
	RequestID uint64 // zero when not tied to a request
	Kind      *ErrorKind
	Message   string
}

func (e *PluginError) Error() string {
	switch {
	case e.RequestID != 0 && e.Message != "":
		return fmt.Sprintf("plugin %s: request %d: %s: %s", e.Plugin, e.RequestID, e.Kind, e.Message)
	case e.RequestID != 0:
		return fmt.Sprintf("plugin %s: request %d: %s", e.Plugin, e.RequestID, e.Kind)
	case e.Message != "":
		return fmt.Sprintf("plugin %s: %s: %s", e.Plugin, e.Kind, e.Message)
	default:
		return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Kind)
	}
}

// Unwrap returns the kind so errors.Is matches it.
func (e *PluginError) Unwrap() error { return e.Kind }

func newError(plugin Identity, requestID uint64, kind *ErrorKind, format string, args ...any) *PluginError {
	return &PluginError{
		Plugin:    plugin,
		RequestID: requestID,
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
	}
}

// KindOf returns the ErrorKind of err, or nil if err is not a
// PluginError.
func KindOf(err error) *ErrorKind {
	var pluginErr *PluginError
	if errors.As(err, &pluginErr) {
		return pluginErr.Kind
	}
	return nil
}

// withRequest copies e with the request ID set. Used when one teardown
// cause fans out to every pending request.
func (e *PluginError) withRequest(id uint64) *PluginError {
	clone := *e
	clone.RequestID = id
	return &clone
}
