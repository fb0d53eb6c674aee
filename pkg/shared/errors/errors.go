/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides structured, component-aware error values used
// throughout the self-healing core. Every returned error carries enough
// context (operation, component, resource) to be logged without the
// caller re-deriving it from a bare string.
package errors

import (
	"fmt"
	"strings"
)

// OperationError is the common error shape for domain operations: what
// was attempted, where, and why it failed.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString("failed to ")
	b.WriteString(e.Operation)
	if e.Component != "" {
		b.WriteString(", component: ")
		b.WriteString(e.Component)
	}
	if e.Resource != "" {
		b.WriteString(", resource: ")
		b.WriteString(e.Resource)
	}
	if e.Cause != nil {
		b.WriteString(", cause: ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds the minimal error for an action and its cause:
// "failed to <action>: <cause>", unwrapping to cause. With a nil cause
// it returns the bare OperationError "failed to <action>".
func FailedTo(action string, cause error) error {
	if cause == nil {
		return &OperationError{Operation: action}
	}
	return &wrapped{msg: "failed to " + action, cause: cause}
}

// FailedToWithDetails builds the fully-qualified form of OperationError.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}

// Wrapf prefixes err with a formatted message, or returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &wrapped{msg: msg, cause: err}
}

type wrapped struct {
	msg   string
	cause error
}

func (w *wrapped) Error() string { return w.msg + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() error { return w.cause }

// DatabaseError tags a cause as originating from the database component.
func DatabaseError(action string, cause error) error {
	return FailedToWithDetails(action, "database", "", cause)
}

// NetworkError tags a cause as originating from a network call to endpoint.
func NetworkError(action, endpoint string, cause error) error {
	return FailedToWithDetails(action, "network", endpoint, cause)
}

// ValidationError reports a field-level validation failure.
type fieldError struct {
	field, reason string
}

func (e *fieldError) Error() string {
	return "validation failed for field " + e.field + ": " + e.reason
}

func ValidationError(field, reason string) error {
	return &fieldError{field: field, reason: reason}
}

type configError struct {
	setting, reason string
}

func (e *configError) Error() string {
	return "configuration error for setting " + e.setting + ": " + e.reason
}

// ConfigurationError reports an invalid or missing configuration setting.
func ConfigurationError(setting, reason string) error {
	return &configError{setting: setting, reason: reason}
}

type timeoutError struct {
	action, after string
}

func (e *timeoutError) Error() string {
	return "timeout while " + e.action + " after " + e.after
}

// TimeoutError reports that action did not complete within after.
func TimeoutError(action, after string) error {
	return &timeoutError{action: action, after: after}
}

type authenticationError struct {
	reason string
}

func (e *authenticationError) Error() string {
	return "authentication failed: " + e.reason
}

// AuthenticationError reports a credential/identity failure.
func AuthenticationError(reason string) error {
	return &authenticationError{reason: reason}
}

type authorizationError struct {
	action, resource string
}

func (e *authorizationError) Error() string {
	return "authorization failed: insufficient permissions to " + e.action + " " + e.resource
}

// AuthorizationError reports that the caller lacked permission to act on resource.
func AuthorizationError(action, resource string) error {
	return &authorizationError{action: action, resource: resource}
}

// ParseError reports a failure to parse resource as the given format.
func ParseError(resource, format string, cause error) error {
	return FailedToWithDetails("parse "+resource+" as "+format, "parser", resource, cause)
}

// retryableSubstrings lists message fragments that indicate a transient,
// retry-worthy failure. This is deliberately coarse; pkg/classifier owns
// the authoritative, configurable taxonomy — this helper is for call
// sites that only need a yes/no answer without a full classification.
var retryableSubstrings = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"service unavailable",
	"temporarily unavailable",
	"too many requests",
}

// IsRetryable reports whether err's message matches a known-transient pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type chainError struct {
	errs []error
}

func (e *chainError) Error() string {
	parts := make([]string, 0, len(e.errs))
	for _, err := range e.errs {
		parts = append(parts, err.Error())
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "multiple errors: " + strings.Join(parts, "; ")
}

// Chain combines non-nil errors into a single error, or returns nil if
// all arguments are nil.
func Chain(errs ...error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return &chainError{errs: nonNil}
}
