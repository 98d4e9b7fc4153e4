package listener

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrorKind categorizes listener errors.
type ErrorKind string

const (
	ErrorKindStartup  ErrorKind = "startup"
	ErrorKindBind     ErrorKind = "bind"
	ErrorKindShutdown ErrorKind = "shutdown"
)

// ListenerError is a structured lifecycle error with context. Handshake
// failures never surface as ListenerError; they are classified per
// connection, logged, and counted instead.
type ListenerError struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Kind)), e.Message}

	if len(e.Context) > 0 {
		var contextParts []string
		for key, value := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, value))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ListenerError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ListenerError) WithContext(key string, value interface{}) *ListenerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewStartupError reports a listener that could not start.
func NewStartupError(reason string, cause error) *ListenerError {
	return &ListenerError{
		Kind:    ErrorKindStartup,
		Message: reason,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewBindError reports a socket that could not be bound.
func NewBindError(address string, cause error) *ListenerError {
	return (&ListenerError{
		Kind:    ErrorKindBind,
		Message: fmt.Sprintf("failed to bind listener on %s", address),
		Cause:   cause,
		Context: make(map[string]interface{}),
	}).WithContext("address", address)
}

// NewShutdownError reports a stop sequence that did not complete cleanly.
func NewShutdownError(reason string, cause error) *ListenerError {
	return &ListenerError{
		Kind:    ErrorKindShutdown,
		Message: reason,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// IsStartupError reports whether err is a startup or bind failure.
func IsStartupError(err error) bool {
	var le *ListenerError
	if errors.As(err, &le) {
		return le.Kind == ErrorKindStartup || le.Kind == ErrorKindBind
	}
	return false
}

// PolicyWarning reports a cipher-suite policy whose effective set came out
// empty. The listener binds and serves anyway; every handshake fails at
// suite negotiation until the policy or the platform capability set
// changes. It is queryable state, not an error value.
type PolicyWarning struct {
	Included []string
	Excluded []string
	Unknown  []string
}

// Message renders the warning for logs.
func (w *PolicyWarning) Message() string {
	return fmt.Sprintf(
		"cipher-suite policy matches no supported suite (included=%s excluded=%s unknown=%s); listener will accept no TLS connection",
		strings.Join(w.Included, ","), strings.Join(w.Excluded, ","), strings.Join(w.Unknown, ","))
}

// Handshake failure reasons, used as log fields and metric attributes.
const (
	reasonCipherMismatch  = "cipher_mismatch"
	reasonClientCert      = "client_cert"
	reasonVersionMismatch = "version_mismatch"
	reasonNotTLS          = "not_tls"
	reasonTimeout         = "timeout"
	reasonClientAbort     = "client_abort"
	reasonPolicyViolation = "policy_violation"
	reasonHandshake       = "handshake"
)

// classifyHandshakeError maps a handshake error to a stable reason label.
// The TLS engine reports most conditions as plain text, so after the
// structural checks this falls back to substring matching.
func classifyHandshakeError(err error) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reasonTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return reasonClientAbort
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no cipher suite supported"),
		strings.Contains(msg, "cipher"):
		return reasonCipherMismatch
	case strings.Contains(msg, "client didn't provide a certificate"),
		strings.Contains(msg, "bad certificate"),
		strings.Contains(msg, "unknown certificate"),
		strings.Contains(msg, "certificate required"),
		strings.Contains(msg, "failed to verify certificate"),
		strings.Contains(msg, "certificate"):
		return reasonClientCert
	case strings.Contains(msg, "protocol version"),
		strings.Contains(msg, "unsupported versions"):
		return reasonVersionMismatch
	case strings.Contains(msg, "first record does not look like a TLS handshake"):
		return reasonNotTLS
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return reasonClientAbort
	default:
		return reasonHandshake
	}
}
