package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInput             ErrorKind = "input_error"
	KindEngine            ErrorKind = "engine_error"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindTimeout           ErrorKind = "timeout"
)

// Engine-level causes carried in Error.Code.
const (
	CodeUnsupportedFormat     = "unsupported_format"
	CodeCorruptInput          = "corrupt_input"
	CodeModelNotLoaded        = "model_not_loaded"
	CodeInternalEngineFailure = "internal_engine_failure"
	CodeMaxRuntimeExceeded    = "max_runtime_exceeded"
)

// Error is the structured failure stored on a job and returned by the
// orchestration layer. Two errors match under errors.Is when their kinds are
// equal and the target either has no code or the same code.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	JobID   string    `json:"job_id,omitempty"`
	Err     error     `json:"-"`
}

func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func InputError(code, format string, args ...any) *Error {
	return &Error{Kind: KindInput, Code: code, Message: fmt.Sprintf(format, args...)}
}

func EngineError(code string, err error) *Error {
	msg := code
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindEngine, Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// WithJob returns a copy of e tagged with a job id.
func (e *Error) WithJob(id string) *Error {
	c := *e
	c.JobID = id
	return &c
}

// KindOf extracts the kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError converts any error into a structured one. Errors without a kind
// are reported as internal engine failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return EngineError(CodeInternalEngineFailure, err)
}

var (
	ErrJobNotFound       = NewError(KindNotFound, "", "job not found")
	ErrJobExpired        = NewError(KindNotFound, "expired", "job expired")
	ErrStoreFull         = NewError(KindResourceExhausted, "", "job store is full")
	ErrInvalidTransition = NewError(KindInvalidTransition, "", "invalid job state transition")
	ErrTimeout           = NewError(KindTimeout, "", "timed out waiting for job")
	ErrUnsupported       = NewError(KindInput, CodeUnsupportedFormat, "unsupported input format")
	ErrModelNotLoaded    = NewError(KindEngine, CodeModelNotLoaded, "model not loaded")

	ErrJobNotReady     = errors.New("job not ready")
	ErrJobFailed       = errors.New("job failed")
	ErrNoArtifact      = errors.New("job has no downloadable result")
	ErrUnknownModality = errors.New("unknown modality")
)
