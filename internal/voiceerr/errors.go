// Package voiceerr classifies the error kinds the orchestrator distinguishes
// when deciding whether to retry, log, close the socket, or just drop a
// message.
package voiceerr

import "fmt"

// Kind enumerates the error taxonomy the connection handler reacts to.
type Kind string

const (
	// ProtocolViolation is an offending client message: oversized PCM, audio
	// outside a tts_start/tts_end window, a duplicate config handshake, or
	// PCM received while the assistant holds the floor. The connection
	// stays up; the message is discarded and the violation logged.
	ProtocolViolation Kind = "protocol_violation"
	// TransportClosed means the underlying websocket is gone; all tasks for
	// the connection must be cancelled.
	TransportClosed Kind = "transport_closed"
	// UpstreamTransient covers LLM/TTS 5xx responses and connect/timeout
	// failures. One retry with exponential backoff is attempted.
	UpstreamTransient Kind = "upstream_transient"
	// UpstreamClientError covers LLM/TTS 4xx responses. No retry.
	UpstreamClientError Kind = "upstream_client_error"
	// Internal is an unexpected local failure; the socket closes 1011.
	Internal Kind = "internal"
	// AuthFailure means JWT verification failed before the first frame;
	// the socket closes 4001.
	AuthFailure Kind = "auth_failure"
)

// Error wraps an underlying cause with the Kind the connection handler
// dispatches on, plus whether the operation that produced it is retryable.
type Error struct {
	Kind      Kind
	Err       error
	Retryable bool
	Code      string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Retryable(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err, Retryable: true}
}

// CloseCode maps an error Kind to the websocket close code the connection
// handler should use when the error is fatal to the connection.
func CloseCode(kind Kind) int {
	switch kind {
	case AuthFailure:
		return 4001
	case Internal:
		return 1011
	case TransportClosed:
		return 1000
	default:
		return 1008
	}
}
