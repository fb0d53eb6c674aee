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

// Package retry computes exponential backoff delays for the error
// classifier's retry policy and throttles how fast retries are issued.
package retry

import (
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Strategy is the retry policy attached to a retryable classification.
type Strategy struct {
	MaxRetries    int
	BackoffFactor float64
	MaxDelay      time.Duration
	JitterFactor  float64
}

// DefaultStrategy is used for categories without a dedicated override.
func DefaultStrategy() Strategy {
	return Strategy{MaxRetries: 5, BackoffFactor: 1.0, MaxDelay: 60 * time.Second, JitterFactor: 0.1}
}

// RateLimitStrategy matches rate-limit errors: slower backoff, longer cap.
func RateLimitStrategy() Strategy {
	return Strategy{MaxRetries: 5, BackoffFactor: 2.0, MaxDelay: 300 * time.Second, JitterFactor: 0.1}
}

// ServiceUnavailableStrategy matches service-unavailable errors: the
// longest cap, since the dependency may be mid-rollout.
func ServiceUnavailableStrategy() Strategy {
	return Strategy{MaxRetries: 5, BackoffFactor: 1.0, MaxDelay: 600 * time.Second, JitterFactor: 0.1}
}

const minDelay = 100 * time.Millisecond

// Delay computes the backoff delay for the given 1-indexed attempt:
//
//	delay = backoffFactor * 2^(attempt-1) * (1 + U(-jitter, +jitter))
//
// clamped to [0.1s, maxDelay].
func Delay(attempt int, backoffFactor float64, maxDelay time.Duration, jitterFactor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := backoffFactor * pow2(attempt-1)
	jitter := 1.0
	if jitterFactor > 0 {
		jitter = 1.0 + (rand.Float64()*2-1)*jitterFactor
	}
	d := time.Duration(base * jitter * float64(time.Second))
	if d < minDelay {
		d = minDelay
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// Limiter throttles how many retry schedules can be issued per second,
// independent of the per-attempt delay above, so a storm of failing
// operations cannot flood the system with concurrent retries.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter builds a Limiter allowing up to ratePerSecond retry
// schedules per second, with a burst of burst.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a retry may be scheduled right now.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
