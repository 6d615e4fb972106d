package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Wire decoding errors. Each is scoped to a single line.
var (
	ErrUnknownTag     = fmt.Errorf("unknown record tag")
	ErrMalformed      = fmt.Errorf("malformed record")
	ErrSchemaMismatch = fmt.Errorf("record payload does not match schema")
)

// Stream lifecycle errors.
var (
	ErrProtocolViolation = fmt.Errorf("protocol violation")
	ErrUpstream          = fmt.Errorf("upstream error")
	ErrStalled           = fmt.Errorf("stream stalled")
	ErrCancelled         = fmt.Errorf("stream cancelled")
	ErrJournalWrite      = fmt.Errorf("journal write failed")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrCircuitOpen = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Pipeline.Run")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "gateway", "upstream"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// UpstreamError carries the HTTP detail of a failed upstream exchange.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}

// Unwrap exposes both ErrUpstream and any category sentinel the status maps to.
func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstream, e.Err}
	}
	return []error{ErrUpstream}
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeUnknownTag        ErrorCode = "DECODE_UNKNOWN_TAG"
	CodeMalformed         ErrorCode = "DECODE_MALFORMED"
	CodeSchemaMismatch    ErrorCode = "DECODE_SCHEMA_MISMATCH"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeUpstream          ErrorCode = "UPSTREAM"
	CodeStalled           ErrorCode = "STALLED"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeJournalWrite      ErrorCode = "JOURNAL_WRITE"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeRequestInvalid ErrorCode = "REQUEST_INVALID"
	CodeStreamNotFound ErrorCode = "STREAM_NOT_FOUND"

	// Category error codes. Fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,

	ErrUnknownTag:        CodeUnknownTag,
	ErrMalformed:         CodeMalformed,
	ErrSchemaMismatch:    CodeSchemaMismatch,
	ErrProtocolViolation: CodeProtocolViolation,
	ErrStalled:           CodeStalled,
	ErrCancelled:         CodeCancelled,
	ErrJournalWrite:      CodeJournalWrite,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrUpstream:          CodeUpstream,
}

// codePriority lists sentinels that must win over ErrUpstream when an error
// chain carries several, e.g. an UpstreamError wrapping ErrRateLimit.
var codePriority = []error{
	ErrStalled,
	ErrCancelled,
	ErrTimeout,
	ErrUnknownTag,
	ErrMalformed,
	ErrSchemaMismatch,
	ErrProtocolViolation,
	ErrRateLimit,
	ErrGatewayAuthFailed,
	ErrAuthInvalid,
	ErrCircuitOpen,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"stream":  CodeStreamNotFound,
		"gateway": CodeRPCMethodNotFound,
	},
	ErrInvalidInput: {
		"stream":  CodeRequestInvalid,
		"gateway": CodeRPCInvalidPayload,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
