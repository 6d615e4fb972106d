package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Codec.Decode", ErrUnknownTag, "tag 'z'")
	want := "Codec.Decode: tag 'z': unknown record tag"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Pipeline.Run", ErrStalled, "")
	want := "Pipeline.Run: stream stalled"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Fold", ErrProtocolViolation, "unknown tool call t9")
	if !errors.Is(err, ErrProtocolViolation) {
		t.Error("errors.Is should match ErrProtocolViolation")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewDomainError("Manager.Stream", ErrInvalidInput, "spaceId required"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Manager.Stream" {
		t.Errorf("Op = %q, want %q", de.Op, "Manager.Stream")
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeUnknownTag, ErrorCodeOf(ErrUnknownTag))
	assert.Equal(t, CodeMalformed, ErrorCodeOf(ErrMalformed))
	assert.Equal(t, CodeSchemaMismatch, ErrorCodeOf(ErrSchemaMismatch))
	assert.Equal(t, CodeStalled, ErrorCodeOf(ErrStalled))
	assert.Equal(t, CodeCancelled, ErrorCodeOf(ErrCancelled))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("line 3: %w", ErrSchemaMismatch)
	assert.Equal(t, CodeSchemaMismatch, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_UpstreamError(t *testing.T) {
	err := &UpstreamError{StatusCode: 502, Body: "bad gateway"}
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, CodeUpstream, ErrorCodeOf(err))
	assert.Equal(t, "upstream: status 502: bad gateway", err.Error())
}

func TestErrorCodeOf_UpstreamRateLimitWins(t *testing.T) {
	err := fmt.Errorf("open: %w", &UpstreamError{StatusCode: 429, Err: ErrRateLimit})
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(err))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
	for _, sentinel := range codePriority {
		_, ok := errorCodeMap[sentinel]
		assert.True(t, ok, "priority sentinel %v missing from errorCodeMap", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("stream", "Manager.Stream", ErrInvalidInput, "spaceId required")
	assert.Equal(t, "Manager.Stream: spaceId required: invalid input", err.Error())
	assert.Equal(t, "stream", err.SubSystem)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestAuthSentinel_GatewayWrapsAuthInvalid(t *testing.T) {
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrAuthInvalid))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

// --- SubSystem-aware ErrorCodeOf tests ---

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"stream", ErrInvalidInput, CodeRequestInvalid},
		{"stream", ErrNotFound, CodeStreamNotFound},
		{"gateway", ErrInvalidInput, CodeRPCInvalidPayload},
		{"gateway", ErrNotFound, CodeRPCMethodNotFound},
		{"upstream", ErrTimeout, CodeTimeout},
		{"unknown-subsystem", ErrNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem+"/"+tt.sentinel.Error(), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "")
			assert.Equal(t, tt.want, ErrorCodeOf(err))
			assert.Equal(t, tt.want, err.Code())
		})
	}
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestDomainError_CodeWrappedSentinel(t *testing.T) {
	err := NewDomainError("Pipeline.Run", fmt.Errorf("line 2: %w", ErrMalformed), "")
	assert.Equal(t, CodeMalformed, err.Code())
}

func TestErrorCodeOf_UpstreamTimeout(t *testing.T) {
	err := fmt.Errorf("open: %w", &UpstreamError{Err: fmt.Errorf("%w: header wait", ErrTimeout)})
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}
