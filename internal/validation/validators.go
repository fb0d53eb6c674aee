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

// Package validation guards the metadata store's and orchestrator's API
// boundary: resource references, free-text fields, and query parameters
// coming from callers are checked here before they reach a query or a
// correction action.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	appErrors "github.com/jordigilh/selfheal/internal/errors"
)

// ResourceReference identifies the pipeline resource a healing event is
// about: the pipeline that produced it, the stage that failed, and the
// record or batch identifier involved.
type ResourceReference struct {
	Pipeline string
	Stage    string
	RecordID string
}

var (
	pipelineNameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	stageNameRE    = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	recordIDRE     = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// ValidateResourceReference checks that all three components of ref are
// present, within length limits, and match their expected naming
// convention, accumulating every violation found rather than stopping
// at the first.
func ValidateResourceReference(ref ResourceReference) error {
	var problems []string

	switch {
	case ref.Pipeline == "":
		problems = append(problems, "pipeline is required")
	case len(ref.Pipeline) > 63:
		problems = append(problems, "pipeline must be 63 characters or less")
	case !pipelineNameRE.MatchString(ref.Pipeline):
		problems = append(problems, "pipeline must be a valid lowercase identifier")
	}

	switch {
	case ref.Stage == "":
		problems = append(problems, "stage is required")
	case len(ref.Stage) > 100:
		problems = append(problems, "stage must be 100 characters or less")
	case !stageNameRE.MatchString(ref.Stage):
		problems = append(problems, "stage must be a valid stage name")
	}

	switch {
	case ref.RecordID == "":
		problems = append(problems, "record id is required")
	case len(ref.RecordID) > 253:
		problems = append(problems, "record id must be 253 characters or less")
	case !recordIDRE.MatchString(ref.RecordID):
		problems = append(problems, "record id must be a valid identifier")
	}

	if len(problems) == 0 {
		return nil
	}
	return appErrors.NewValidationError(strings.Join(problems, "; "))
}

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b.*\bselect\b`),
	regexp.MustCompile(`(?i)\bdrop\b\s+\btable\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`'\s*;`),
}

// ValidateStringInput checks a free-text field against a max length and
// a denylist of SQL-injection / script-injection substrings.
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return appErrors.NewValidationError(fmt.Sprintf("%s must be %d characters or less", field, maxLen))
	}
	for _, pattern := range unsafePatterns {
		if pattern.MatchString(value) {
			return appErrors.NewValidationError(fmt.Sprintf("%s contains potentially unsafe characters", field))
		}
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return appErrors.NewValidationError(fmt.Sprintf("%s contains invalid control characters", field))
		}
	}
	return nil
}

// knownActionTypes is the closed set of correction/recovery actions the
// orchestrator is allowed to dispatch (the data corrector, pipeline
// adjuster, and resource optimizer action names).
var knownActionTypes = map[string]bool{
	"retry_with_backoff":      true,
	"increase_timeout":        true,
	"optimize_execution":      true,
	"increase_resources":      true,
	"optimize_resource_usage": true,
	"fix_configuration":       true,
	"use_default_config":      true,
	"skip_dependency":         true,
	"data_correction":         true,
	"escalate_to_human":       true,
	"manual_review":           true,
	"scale_deployment":        true,
	"increase_resources_hpa":  true,
	"restart_deployment":      true,
	"rollback_deployment":     true,
	"create_hpa":              true,
}

// ValidateActionType checks that action is both free of unsafe
// characters and a recognized action name.
func ValidateActionType(action string) error {
	if err := ValidateStringInput("action", action, 100); err != nil {
		return err
	}
	if !knownActionTypes[action] {
		return appErrors.NewValidationError(fmt.Sprintf("%q is not a recognized action type", action))
	}
	return nil
}

var timeRangeRE = regexp.MustCompile(`^[0-9]+[mhd]$`)

// ValidateTimeRange checks a duration shorthand like "1h", "24h", "7d".
func ValidateTimeRange(timeRange string) error {
	if err := ValidateStringInput("time_range", timeRange, 20); err != nil {
		return err
	}
	if !timeRangeRE.MatchString(timeRange) {
		return appErrors.NewValidationError("time range must be in format like '1h', '24h', '7d'")
	}
	return nil
}

// ValidateWindowMinutes checks a lookback window, capped at 7 days.
func ValidateWindowMinutes(minutes int) error {
	if minutes <= 0 {
		return appErrors.NewValidationError("window minutes must be greater than 0")
	}
	if minutes > 10080 {
		return appErrors.NewValidationError("window minutes must be 7 days (10080 minutes) or less")
	}
	return nil
}

// ValidateLimit checks a query page-size limit.
func ValidateLimit(limit int) error {
	if limit <= 0 {
		return appErrors.NewValidationError("limit must be greater than 0")
	}
	if limit > 10000 {
		return appErrors.NewValidationError("limit must be 10000 or less")
	}
	return nil
}

// SanitizeForLogging replaces control characters with "?" and truncates
// to 200 characters (with a "..." suffix) so untrusted strings can be
// logged safely.
func SanitizeForLogging(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteByte('?')
		} else {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 200 {
		out = out[:197] + "..."
	}
	return out
}
