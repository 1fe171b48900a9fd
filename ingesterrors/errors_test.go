package ingesterrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  &Error{Type: SchemaViolation, Message: "bad column", Cause: errors.New("boom")},
			want: "schema_violation: bad column: boom",
		},
		{
			name: "with status, no cause",
			err:  &Error{Type: ProtocolMismatch, Message: "drift", StatusCode: 409},
			want: "protocol_mismatch: drift (status 409)",
		},
		{
			name: "with status and cause",
			err: &Error{
				Type: Transient, Message: "server error", StatusCode: 503,
				Cause: errors.New("dial tcp: timeout"),
			},
			want: "transient_transport: server error (status 503): dial tcp: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying")
	err := &Error{Type: Invariant, Message: "x", Cause: cause}
	assert.Equal(t, cause, err.Unwrap())

	noCause := &Error{Type: Invariant, Message: "x"}
	assert.Nil(t, noCause.Unwrap())

	require.True(t, errors.Is(err, cause))
}

func TestError_Retryable(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Error{Type: Transient}).Retryable())
	assert.False(t, (&Error{Type: SchemaViolation}).Retryable())
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	short := "hello"
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("x", TruncateLen+50)
	got := Truncate(long)
	assert.Equal(t, TruncateLen+len([]rune("…")), len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()

	schemaErr := New(SchemaViolation, "nope", nil)
	wrapped := fmt.Errorf("wrap: %w", schemaErr)

	assert.True(t, IsSchemaViolation(wrapped))
	assert.False(t, IsChannelState(wrapped))
	assert.False(t, IsProtocolMismatch(wrapped))

	assert.True(t, IsChannelState(New(ChannelState, "not open", nil)))
	assert.True(t, IsProtocolMismatch(NewHTTP(ProtocolMismatch, "drift", 409, "", "")))
}
