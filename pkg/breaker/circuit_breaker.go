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

// Package breaker implements the per-service circuit breaker described in
// the error-classification layer of the self-healing core: it tracks
// consecutive/fractional failure behavior for a named dependency and fails
// fast while the breaker is open. It is a thin, business-facing wrapper
// around sony/gobreaker so the fractional failure-rate threshold semantics
// in circuit_breaker_test.go-style specs and the literal "opens on the Nth
// consecutive failure" boundary are both satisfied by the same underlying
// state machine.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/pkg/observability"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
)

// State mirrors gobreaker's three states under names the rest of the core
// uses directly, so callers never import gobreaker themselves.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned (wrapped) when a call is rejected because the
// breaker is open. It is deliberately not classified as retryable —
// callers should back off on the underlying dependency, not hammer it.
var ErrOpen = errors.New("circuit breaker is open")

// minRequestsForTrip is the minimum number of requests observed in the
// current window before the fractional failure rate is evaluated at all,
// avoiding a single early failure tripping a ModeFractional breaker.
const minRequestsForTrip = 5

// Mode selects how a Breaker's ReadyToTrip decision is computed.
type Mode int

const (
	// ModeFractional trips once the failure rate over at least
	// minRequestsForTrip calls reaches the configured threshold,
	// shielding a cold breaker from a single early failure.
	ModeFractional Mode = iota
	// ModeConsecutive trips the instant the Nth consecutive failure is
	// observed, with no minimum-request floor — the literal
	// "opens exactly on the Nth consecutive failure" boundary.
	ModeConsecutive
)

// Breaker tracks failure behavior for one named dependency.
type Breaker struct {
	mu            sync.Mutex
	name          string
	mode          Mode
	failureThresh float64
	consecThresh  uint32
	resetTimeout  time.Duration
	cb            *gobreaker.CircuitBreaker
	lastRequests  uint32
	lastFailures  uint32
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// SetLogger attaches a logger the breaker reports state transitions to.
// Optional — a breaker with no logger behaves identically. Call once
// after construction, before the breaker is used concurrently.
func (b *Breaker) SetLogger(l *zap.Logger) {
	b.logger = l
}

// SetMetrics attaches a metrics sink the breaker reports its state to on
// every state check. Optional — a breaker with no metrics attached behaves
// identically, just without the gauge updates. Call once after
// NewCircuitBreaker, before the breaker is used concurrently.
func (b *Breaker) SetMetrics(m *observability.Metrics) {
	b.metrics = m
	m.SetCircuitState(b.name, int(b.GetState()))
}

// NewCircuitBreaker builds a ModeFractional breaker named name that trips
// once the failure rate reaches failureThreshold (a fraction in [0,1])
// over a window of at least minRequestsForTrip calls, and allows a single
// probe request resetTimeout after tripping.
func NewCircuitBreaker(name string, failureThreshold float64, resetTimeout time.Duration) *Breaker {
	b := &Breaker{
		name:          name,
		mode:          ModeFractional,
		failureThresh: failureThreshold,
		resetTimeout:  resetTimeout,
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings(name, resetTimeout))
	return b
}

// NewConsecutiveCircuitBreaker builds a ModeConsecutive breaker named name
// that trips the instant the failureThreshold'th consecutive failure is
// observed ("trips OPEN at failure_threshold", default 5; with
// threshold=3 the 4th attempt fails fast), with no minimum-request
// floor.
func NewConsecutiveCircuitBreaker(name string, failureThreshold uint32, resetTimeout time.Duration) *Breaker {
	b := &Breaker{
		name:         name,
		mode:         ModeConsecutive,
		consecThresh: failureThreshold,
		resetTimeout: resetTimeout,
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings(name, resetTimeout))
	return b
}

func (b *Breaker) settings(name string, resetTimeout time.Duration) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			b.mu.Lock()
			b.lastRequests = counts.Requests
			b.lastFailures = counts.TotalFailures
			b.mu.Unlock()
			if b.mode == ModeConsecutive {
				return counts.ConsecutiveFailures >= b.consecThresh
			}
			if counts.Requests < minRequestsForTrip {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= b.failureThresh
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.logger == nil {
				return
			}
			b.logger.Info("circuit breaker state change", logging.NewFields().
				Component("breaker").
				Resource("service", name).
				Custom("from", from.String()).
				Custom("to", to.String()).
				ToZap()...)
		},
	}
}

// Call executes fn through the breaker. If the breaker is open, fn is not
// invoked and Call returns ErrOpen (wrapped) immediately.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	b.metrics.SetCircuitState(b.name, int(b.GetState()))
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}

	b.mu.Lock()
	if b.GetState() == StateClosed {
		counts := b.cb.Counts()
		b.lastRequests = counts.Requests
		b.lastFailures = counts.TotalFailures
	}
	b.mu.Unlock()

	return err
}

// GetName returns the breaker's dependency name.
func (b *Breaker) GetName() string { return b.name }

// GetFailureThreshold returns the configured fractional failure threshold.
// Meaningless for a ModeConsecutive breaker — use GetConsecutiveThreshold.
func (b *Breaker) GetFailureThreshold() float64 { return b.failureThresh }

// GetConsecutiveThreshold returns the configured consecutive-failure trip
// count. Meaningless for a ModeFractional breaker.
func (b *Breaker) GetConsecutiveThreshold() uint32 { return b.consecThresh }

// GetMode returns the breaker's trip-decision mode.
func (b *Breaker) GetMode() Mode { return b.mode }

// GetResetTimeout returns the configured reset timeout.
func (b *Breaker) GetResetTimeout() time.Duration { return b.resetTimeout }

// GetState returns the breaker's current state.
func (b *Breaker) GetState() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// GetFailureRate returns the failure rate observed in the current window,
// or 0 if no requests have been made. Once the breaker has tripped it
// returns the rate of the window that tripped it.
func (b *Breaker) GetFailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastRequests == 0 {
		return 0.0
	}
	return float64(b.lastFailures) / float64(b.lastRequests)
}

// GetFailures returns the total failure count in the current window
// (reset to 0 whenever the breaker returns to closed after a successful
// probe).
func (b *Breaker) GetFailures() int64 {
	counts := b.cb.Counts()
	return int64(counts.TotalFailures)
}

// AllowRequest reports whether a call would currently be admitted,
// without executing anything — used by callers that want to check before
// doing expensive work to build the call closure.
func (b *Breaker) AllowRequest() bool {
	return b.GetState() != StateOpen
}
