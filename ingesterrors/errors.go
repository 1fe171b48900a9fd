// Package ingesterrors defines the typed error taxonomy shared by every
// layer of the ingest client: key material, auth, transport, the typed
// REST client, the payload builder, the normalizer, and the channel state
// machine.
package ingesterrors

import (
	"errors"
	"fmt"
)

// Type classifies an Error into one of the kinds enumerated in the design's
// error handling section. Callers that only care about retry/no-retry
// behavior can switch on Type without parsing Message.
type Type string

// Error kinds. Each corresponds to one row of the error handling design.
const (
	// Transient is a transport-level failure that was (or could still be)
	// retried: connection reset, 408/425/429/5xx.
	Transient Type = "transient_transport"
	// ProtocolMismatch is a response the client cannot proceed with. The
	// transport assigns it to every non-retryable non-2xx status (a
	// 400/409 on append against a live channel indicates
	// continuation-token drift), and decoders use it for bodies they
	// cannot parse.
	ProtocolMismatch Type = "protocol_mismatch"
	// UnsupportedEncoding is a 400/415 naming gzip in the response body.
	UnsupportedEncoding Type = "unsupported_encoding"
	// SchemaViolation is a row key not in the schema, an out-of-range
	// value, or an un-coercible value.
	SchemaViolation Type = "schema_violation"
	// ChannelState is an insert/flush attempted while the channel is not
	// in the required state.
	ChannelState Type = "channel_state"
	// OpenFailure is a failed channel open, including a non-SUCCESS
	// channel_status.code or a missing continuation token. A failed drop
	// is reported as Invariant.
	OpenFailure Type = "open_failure"
	// Bootstrap is a host-discovery or OAuth-exchange failure.
	Bootstrap Type = "bootstrap_failure"
	// Invariant marks an internal invariant violation (e.g. a flush
	// attempted with no continuation token seeded).
	Invariant Type = "invariant_violation"
)

// Error is the single error type produced by this module. It carries
// enough of the HTTP exchange to let a caller log or re-surface it without
// re-parsing a response body.
type Error struct {
	Type Type
	// Message is a short, human-readable description.
	Message string
	// StatusCode is the HTTP status that produced this error, or 0 if the
	// error did not originate from an HTTP response.
	StatusCode int
	// ServiceCode is the service-reported machine error code, if the
	// response body was parseable ("code" or "errorCode" field).
	ServiceCode string
	// Body is the raw response body, truncated to a diagnostic length by
	// the caller that constructed the error (see Truncate).
	Body string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given type.
func New(t Type, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// NewHTTP builds an Error carrying the HTTP response details.
func NewHTTP(t Type, message string, statusCode int, serviceCode, body string) *Error {
	return &Error{
		Type:        t,
		Message:     message,
		StatusCode:  statusCode,
		ServiceCode: serviceCode,
		Body:        body,
	}
}

// Retryable reports whether Type indicates a condition the transport
// layer should retry on its own (as opposed to one the channel or caller
// must react to).
func (e *Error) Retryable() bool {
	return e.Type == Transient
}

// TruncateLen is the maximum number of body runes retained in an Error,
// per the design's "status + body truncated to ~200 characters" rule.
const TruncateLen = 200

// Truncate trims s to TruncateLen runes, appending an ellipsis marker
// when truncation occurred.
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= TruncateLen {
		return s
	}
	return string(r[:TruncateLen]) + "…"
}

// Is* helpers let callers test the common cases without importing Type.

// IsSchemaViolation reports whether err is a schema-violation Error.
func IsSchemaViolation(err error) bool { return hasType(err, SchemaViolation) }

// IsChannelState reports whether err is a channel-state Error.
func IsChannelState(err error) bool { return hasType(err, ChannelState) }

// IsProtocolMismatch reports whether err is a protocol-mismatch Error.
func IsProtocolMismatch(err error) bool { return hasType(err, ProtocolMismatch) }

func hasType(err error, t Type) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}
