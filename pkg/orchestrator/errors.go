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

package orchestrator

import "errors"

// Sentinel errors the retry policy and backpressure policy
// name explicitly.
var (
	// ErrDuplicateInFlight is returned when Submit is called again for
	// an (execution_id, issue signature) that already has a non-terminal
	// HealingExecution: the second submission is rejected, not queued.
	ErrDuplicateInFlight = errors.New("duplicate in flight")

	// ErrMaxAttemptsExceeded is returned once max_recovery_attempts
	// healing executions already exist for (execution_id, issue
	// signature); the new attempt is rejected without running.
	ErrMaxAttemptsExceeded = errors.New("max recovery attempts exceeded")

	// ErrQueueFull is returned when the bounded per-pipeline healing
	// queue (default depth 10) is saturated. No HealingExecution is
	// created, and the dropped issue is not written to the metadata
	// store.
	ErrQueueFull = errors.New("healing queue full")

	// ErrNoViableStrategy marks a FAILED execution created when
	// strategy selection rule 3 applies: no matching pattern action and
	// no usable root-cause recommendation.
	ErrNoViableStrategy = errors.New("no viable strategy")

	// ErrNotFound is returned by Approve/Reject when the healing_id does
	// not reference a known execution.
	ErrNotFound = errors.New("healing execution not found")

	// ErrNotApprovalRequired is returned by Approve/Reject when the
	// execution is not currently awaiting approval.
	ErrNotApprovalRequired = errors.New("execution is not awaiting approval")
)
