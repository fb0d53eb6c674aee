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

// Package classifier turns a raw exception plus retry context into a
// Classification (category, severity, recoverability) and, when
// retryable, a retry.Strategy.
package classifier

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/jordigilh/selfheal/pkg/breaker"
	"github.com/jordigilh/selfheal/pkg/shared/retry"
)

// Category is the closed taxonomy of failure categories.
type Category string

const (
	CategoryConnection         Category = "connection"
	CategoryTimeout            Category = "timeout"
	CategoryAuthentication     Category = "authentication"
	CategoryAuthorization      Category = "authorization"
	CategoryResource           Category = "resource"
	CategoryRateLimit          Category = "rate-limit"
	CategoryData               Category = "data"
	CategorySchema             Category = "schema"
	CategoryServiceUnavailable Category = "service-unavailable"
	CategoryConfiguration      Category = "configuration"
	CategoryDependency         Category = "dependency"
	CategoryValidation         Category = "validation"
	CategoryUnknown            Category = "unknown"
)

// Severity ranks how urgently a classified issue needs attention.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Recoverability describes whether and how an issue can be healed.
type Recoverability string

const (
	AutoRecoverable   Recoverability = "AUTO_RECOVERABLE"
	ManualRecoverable Recoverability = "MANUAL_RECOVERABLE"
	NonRecoverable    Recoverability = "NON_RECOVERABLE"
)

// Context carries the retry/criticality state surrounding one failure.
type Context struct {
	RetryCount int
	IsCritical bool
	Timeout    *time.Duration
}

// Classification is the classifier's output: what kind of failure this is, how
// urgently it matters, and whether it can be auto-healed.
type Classification struct {
	Category           Category
	Severity           Severity
	Recoverability     Recoverability
	Retryable          bool
	SuggestedActions   []string
	Strategy           *retry.Strategy
}

// MaxRetries is the default ceiling past which AUTO_RECOVERABLE issues
// escalate to MANUAL_RECOVERABLE (configurable via WithMaxRetries).
const MaxRetries = 5

var baseSeverity = map[Category]Severity{
	CategoryAuthentication:     SeverityHigh,
	CategoryAuthorization:      SeverityHigh,
	CategoryConfiguration:      SeverityHigh,
	CategoryDependency:         SeverityHigh,
	CategoryConnection:         SeverityMedium,
	CategoryTimeout:            SeverityMedium,
	CategoryRateLimit:          SeverityMedium,
	CategoryResource:           SeverityMedium,
	CategoryServiceUnavailable: SeverityMedium,
	CategoryData:               SeverityMedium,
	CategorySchema:             SeverityMedium,
	CategoryValidation:         SeverityLow,
	CategoryUnknown:            SeverityMedium,
}

var transientCategories = map[Category]bool{
	CategoryConnection:         true,
	CategoryTimeout:            true,
	CategoryRateLimit:          true,
	CategoryServiceUnavailable: true,
	CategoryResource:           true,
}

// knownTransientTypeNames is the known-transient exception type allow-list
// treated as known-transient error types; matched against
// the dynamic type name of the error value (e.g. "*net.OpError").
var knownTransientTypeNames = map[string]bool{
	"*net.OpError":         true,
	"*net.DNSError":        true,
	"*url.Error":           true,
	"context.deadlineExceededError": true,
}

// Classifier holds the configurable transient-message patterns (compiled
// expr-lang programs) used to recognize AUTO_RECOVERABLE errors by
// message content rather than type.
type Classifier struct {
	maxRetries int
	patterns   []*vm.Program
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMaxRetries overrides MaxRetries.
func WithMaxRetries(n int) Option {
	return func(c *Classifier) { c.maxRetries = n }
}

// WithTransientPattern adds a boolean expr-lang expression evaluated
// against an environment of {Message string, TypeName string}; a truthy
// result marks the error message as transient.
func WithTransientPattern(exprSrc string) Option {
	return func(c *Classifier) {
		program, err := expr.Compile(exprSrc, expr.Env(patternEnv{}), expr.AsBool())
		if err != nil {
			return
		}
		c.patterns = append(c.patterns, program)
	}
}

type patternEnv struct {
	Message  string
	TypeName string
}

// New builds a Classifier with the default transient-message patterns
// (connection reset, timeout wording, service-unavailable wording).
func New(opts ...Option) *Classifier {
	c := &Classifier{maxRetries: MaxRetries}
	for _, defaultPattern := range []string{
		`lower(Message) contains "connection reset" or lower(Message) contains "connection refused"`,
		`lower(Message) contains "timeout" or lower(Message) contains "timed out"`,
		`lower(Message) contains "temporarily unavailable" or lower(Message) contains "service unavailable"`,
	} {
		WithTransientPattern(defaultPattern)(c)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps err+ctx to a Classification. category is supplied by the
// caller (derived from where the error originated — a connector, a
// validator, the metadata store, ...); Classify layers severity,
// recoverability, retryability, and a retry.Strategy on top.
func (c *Classifier) Classify(category Category, err error, ctx Context) Classification {
	severity := baseSeverity[category]
	if severity == 0 && category != CategoryValidation {
		severity = SeverityMedium
	}

	bumped := ctx.IsCritical || ctx.RetryCount >= c.maxRetries
	if bumped && severity < SeverityCritical {
		severity++
	}

	recoverability := c.recoverability(category, err, ctx)
	retryable := recoverability == AutoRecoverable

	cl := Classification{
		Category:         category,
		Severity:         severity,
		Recoverability:   recoverability,
		Retryable:        retryable,
		SuggestedActions: suggestedActions(category, recoverability),
	}
	if retryable {
		strategy := c.strategyFor(category)
		cl.Strategy = &strategy
	}
	return cl
}

func (c *Classifier) recoverability(category Category, err error, ctx Context) Recoverability {
	// A rejected call never reached the dependency at all; retrying it
	// through the same open breaker cannot succeed, and only a human
	// (or the breaker's own probe) decides when the dependency is back.
	if errors.Is(err, breaker.ErrOpen) {
		return NonRecoverable
	}
	if category == CategoryValidation || category == CategoryAuthentication || category == CategoryAuthorization {
		return ManualRecoverable
	}

	transient := transientCategories[category] || c.isTransientError(err)
	if !transient {
		return ManualRecoverable
	}

	if ctx.RetryCount >= c.maxRetries {
		return ManualRecoverable
	}
	return AutoRecoverable
}

func (c *Classifier) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	typeName := reflect.TypeOf(err).String()
	if knownTransientTypeNames[typeName] {
		return true
	}

	env := patternEnv{Message: err.Error(), TypeName: typeName}
	for _, program := range c.patterns {
		out, runErr := expr.Run(program, env)
		if runErr != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true
		}
	}
	return false
}

func (c *Classifier) strategyFor(category Category) retry.Strategy {
	switch category {
	case CategoryRateLimit:
		return retry.RateLimitStrategy()
	case CategoryServiceUnavailable:
		return retry.ServiceUnavailableStrategy()
	default:
		return retry.DefaultStrategy()
	}
}

func suggestedActions(category Category, recoverability Recoverability) []string {
	if recoverability == NonRecoverable {
		return []string{"escalate_to_human"}
	}
	switch category {
	case CategoryTimeout:
		return []string{"increase_timeout", "optimize_execution"}
	case CategoryResource:
		return []string{"increase_resources", "optimize_resource_usage"}
	case CategoryConfiguration:
		return []string{"fix_configuration", "use_default_config"}
	case CategoryDependency:
		return []string{"retry_with_backoff", "skip_dependency"}
	case CategoryData, CategorySchema:
		return []string{"data_correction"}
	case CategoryRateLimit, CategoryServiceUnavailable, CategoryConnection:
		return []string{"retry_with_backoff"}
	default:
		return []string{"manual_review"}
	}
}

// ClassifiedError pairs a failed dependency call with its
// Classification so callers up the stack can branch on category,
// severity, and recoverability without re-classifying.
type ClassifiedError struct {
	Classification Classification
	Err            error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s, %s): %v",
		e.Classification.Category, e.Classification.Severity, e.Classification.Recoverability, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ContainsAny is a small helper kept for call sites that need a
// non-expr message check without compiling a pattern.
func ContainsAny(message string, substrings ...string) bool {
	lower := strings.ToLower(message)
	for _, s := range substrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
