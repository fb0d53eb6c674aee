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

// Package delivery implements the transport-agnostic "deliver this
// escalation somewhere a human will see it" edge treated as external
// (dashboards and chat transport stay out of scope) but which the data flow
// still requires a concrete reference adapter for.
package delivery

import "context"

// Notification is the payload handed to a delivery Service: already
// sanitized, human-addressed text — never raw entity records.
type Notification struct {
	Subject string
	Body    string
}

// Service delivers a Notification to one channel. Implementations are
// expected to be idempotent retry targets: a caller that gets a
// RetryableError is expected to retry the same Notification later.
type Service interface {
	Deliver(ctx context.Context, n *Notification) error
}

// RetryableError marks a delivery failure the caller should retry
// rather than treat as a permanent rejection (e.g. a transient
// filesystem or network error, as opposed to a malformed Notification).
type RetryableError struct {
	Op    string
	Cause error
}

func (e *RetryableError) Error() string {
	if e.Cause == nil {
		return e.Op
	}
	return e.Op + ": " + e.Cause.Error()
}

func (e *RetryableError) Unwrap() error { return e.Cause }
