// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes lifecycle failures.
type ErrorCode string

const (
	// ErrorCodeAlreadyRunning indicates a duplicate start for a key that
	// already has a live worker.
	ErrorCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	// ErrorCodeNotEnabled indicates the plugin instance is disabled.
	ErrorCodeNotEnabled ErrorCode = "NOT_ENABLED"
	// ErrorCodeNotFound indicates the plugin or instance was not found.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodePortsExhausted indicates port allocation failed.
	ErrorCodePortsExhausted ErrorCode = "PORTS_EXHAUSTED"
	// ErrorCodeSpawnFailed indicates the child process failed to start.
	ErrorCodeSpawnFailed ErrorCode = "SPAWN_FAILED"
	// ErrorCodeReadinessTimeout indicates the readiness probe exhausted
	// its attempt budget.
	ErrorCodeReadinessTimeout ErrorCode = "READINESS_TIMEOUT"
	// ErrorCodeAuthExpired indicates an expired token could not be
	// refreshed; the instance needs re-authentication.
	ErrorCodeAuthExpired ErrorCode = "AUTH_EXPIRED"
	// ErrorCodeConfig indicates config resolution failed.
	ErrorCodeConfig ErrorCode = "CONFIG"
	// ErrorCodeInternal indicates an unexpected internal failure.
	ErrorCodeInternal ErrorCode = "INTERNAL"
)

// Error is a lifecycle error carrying a machine-readable code.
type Error struct {
	Code    ErrorCode
	Message string
	Detail  string
	Cause   error
}

// NewError creates a lifecycle error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail adds context to the error.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the lifecycle error code, or empty when err is not a
// lifecycle error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given lifecycle error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
