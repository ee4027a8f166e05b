// Package errs provides structured error types and helpers for derivws.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category in the client runtime.
type Code string

const (
	// CodeConstruction indicates invalid user-provided configuration.
	CodeConstruction Code = "construction"
	// CodeConnection indicates a missing or unusable connection.
	CodeConnection Code = "connection"
	// CodeResponse indicates the server returned an error payload.
	CodeResponse Code = "response"
	// CodeAPI indicates client-side misuse of the API surface.
	CodeAPI Code = "api_misuse"
	// CodeAddedTask indicates an internally-scheduled task failed.
	CodeAddedTask Code = "added_task"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the derivws stack.
type E struct {
	Scope    string
	Code     Code
	Message  string
	RawCode  string
	RawMsg   string
	Task     string
	Response map[string]any

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:    strings.TrimSpace(scope),
		Code:     code,
		Message:  "",
		RawCode:  "",
		RawMsg:   "",
		Task:     "",
		Response: nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw server error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw server error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithTask records the name of the background task that failed.
func WithTask(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(e *E) {
		e.Task = trimmed
	}
}

// WithResponse attaches the full response body that carried the error.
func WithResponse(response map[string]any) Option {
	return func(e *E) {
		e.Response = response
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Task != "" {
		parts = append(parts, "task="+strconv.Quote(e.Task))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" && e.RawMsg != e.Message {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Response) > 0 {
		keys := make([]string, 0, len(e.Response))
		for k := range e.Response {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "response_keys="+strings.Join(keys, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err carries the given error code.
func IsCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// Construction returns a configuration error raised at construction time.
func Construction(scope, msg string) *E {
	return New(scope, CodeConstruction, WithMessage(msg))
}

// Connection returns an error for a missing or unusable connection.
func Connection(scope, msg string) *E {
	return New(scope, CodeConnection, WithMessage(msg))
}

// API returns a client-side misuse error.
func API(scope, msg string) *E {
	return New(scope, CodeAPI, WithMessage(msg))
}

// Response wraps a server error payload. The full response body is retained
// so callers can inspect echo_req and any venue metadata.
func Response(scope string, response map[string]any) *E {
	opts := []Option{WithResponse(response)}
	if errBody, ok := response["error"].(map[string]any); ok {
		if code, ok := errBody["code"].(string); ok {
			opts = append(opts, WithRawCode(code))
		}
		if msg, ok := errBody["message"].(string); ok {
			opts = append(opts, WithRawMessage(msg), WithMessage(msg))
		}
	}
	return New(scope, CodeResponse, opts...)
}

// AddedTask wraps an unexpected failure from an internally-scheduled task.
func AddedTask(task string, cause error) *E {
	return New("async", CodeAddedTask, WithTask(task), WithCause(cause))
}
