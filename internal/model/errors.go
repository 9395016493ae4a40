package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInternal = errors.New("internal error")

// FieldError describes a single violated rule. Message never contains the
// offending value.
type FieldError struct {
	Path    string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError aggregates every violated field of a request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Add(path, code, message string) {
	e.Fields = append(e.Fields, FieldError{Path: path, Code: code, Message: message})
}

func (e *ValidationError) Addf(path, code, format string, args ...any) {
	e.Add(path, code, fmt.Sprintf(format, args...))
}

// Err returns nil if no field has been added
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Has(path string) bool {
	for _, f := range e.Fields {
		if f.Path == path {
			return true
		}
	}
	return false
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed")
	for i, f := range e.Fields {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		sb.WriteString(f.Path)
		sb.WriteString(": ")
		sb.WriteString(f.Message)
	}
	return sb.String()
}

// RateLimitedError is returned when the caller exceeded a ceiling or is
// blocked by the abuse tier.
type RateLimitedError struct {
	RetryAfter time.Duration
	Blocked    bool
}

func (e *RateLimitedError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("client blocked: retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

type ExecutionKind string

const (
	KindToolMissing    ExecutionKind = "tool_missing"
	KindNetwork        ExecutionKind = "network_failure"
	KindAuthentication ExecutionKind = "authentication_required"
	KindUnsupported    ExecutionKind = "unsupported_source"
	KindTimeout        ExecutionKind = "timeout"
	KindCancelled      ExecutionKind = "cancelled"
	KindToolFailure    ExecutionKind = "tool_failure"
	KindInternal       ExecutionKind = "internal_error"
)

var kindMessages = map[ExecutionKind]string{
	KindToolMissing:    "no suitable download tool is installed on the server",
	KindNetwork:        "the source could not be reached",
	KindAuthentication: "the source requires authentication: refresh the cookies and submit again",
	KindUnsupported:    "the source is not supported",
	KindTimeout:        "the download exceeded the time limit",
	KindCancelled:      "the job was cancelled",
	KindToolFailure:    "the download tool failed",
	KindInternal:       "internal error",
}

// Message is a fixed human readable summary safe to show to a caller.
func (k ExecutionKind) Message() string {
	if m, ok := kindMessages[k]; ok {
		return m
	}
	return kindMessages[KindInternal]
}

// ExecutionError is a failure of a job. Err keeps the internal cause for
// server side logging, it is never shown to the caller.
type ExecutionError struct {
	Kind ExecutionKind
	Err  error
}

func NewExecutionError(kind ExecutionKind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Summary returns the caller facing form of an error
func (e *ExecutionError) Summary() *ErrorSummary {
	return &ErrorSummary{
		Kind:    e.Kind,
		Message: SanitizeMessage(e.Kind.Message()),
	}
}

// ErrorSummary is the sanitized error stored on a job.
type ErrorSummary struct {
	Kind    ExecutionKind `json:"kind"`
	Message string        `json:"message"`
}
