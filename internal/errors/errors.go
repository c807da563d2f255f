// Package errors provides domain-specific error types for mrdserver.
//
// The types carry structured context (operation, message identifier,
// engine, address) so the session loop can classify a failure, log it
// with full context and count it under the right outcome.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrNoMetadata is the precondition failure for a CLOSE that arrives
	// before any METADATA_XML_TEXT.
	ErrNoMetadata = errors.New("close received before metadata")
	// ErrTooManyRecords is returned when a session exceeds the
	// configured record cap.
	ErrTooManyRecords  = errors.New("record limit exceeded")
	ErrWatchdogExpired = errors.New("watchdog expired")
	ErrNotConnected    = errors.New("not connected")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Structured error types ───────────────────────────────────────────

// ProtocolError is a framing or decode failure on a session's stream.
type ProtocolError struct {
	Op  string // "read identifier", "read text", "decode acquisition", ...
	ID  uint16 // identifier of the frame being processed (0 if none yet)
	Err error
}

func (e *ProtocolError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol: %s (message %d): %v", e.Op, e.ID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ReconstructError is a failure reported by a reconstruction engine.
type ReconstructError struct {
	Engine string
	Err    error
}

func (e *ReconstructError) Error() string {
	return fmt.Sprintf("reconstruct (%s): %v", e.Engine, e.Err)
}

func (e *ReconstructError) Unwrap() error { return e.Err }

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Protocol wraps err as a ProtocolError for the frame id.
func Protocol(op string, id uint16, err error) *ProtocolError {
	return &ProtocolError{Op: op, ID: id, Err: err}
}

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// Kind names the error category used for session outcome metrics and
// log fields: "protocol", "precondition", "reconstruction", "network"
// or "internal".
func Kind(err error) string {
	var (
		pe *ProtocolError
		re *ReconstructError
		ne *NetworkError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoMetadata):
		return "precondition"
	case errors.As(err, &re):
		return "reconstruction"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &ne):
		return "network"
	default:
		return "internal"
	}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use mrdserver/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
