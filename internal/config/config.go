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

// Package config loads the process-wide configuration object: healing
// thresholds, retry/recovery limits, sweep timeouts, and the ambient
// sections (logging, storage, vector DB, circuit breaker) every
// subsystem reads from at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	appErrors "github.com/jordigilh/selfheal/internal/errors"
	"github.com/jordigilh/selfheal/internal/validation"
)

// HealingMode selects how the orchestrator applies corrections it has
// decided on.
type HealingMode string

const (
	HealingModeDisabled  HealingMode = "disabled"
	HealingModeAdvisory  HealingMode = "advisory"
	HealingModeAutomatic HealingMode = "automatic"
)

// LoggingConfig configures the zap-based structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig configures the metadata store's document/analytical
// backends.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// VectorDBConfig configures the pattern-recognizer's embedding cache
// (Redis-backed) and similarity search parameters.
type VectorDBConfig struct {
	Addr           string  `yaml:"addr"`
	Password       string  `yaml:"password"`
	DB             int     `yaml:"db"`
	SimilarityMin  float64 `yaml:"similarity_min"`
}

// ModelConfig selects the issue classifier's prediction path. Mode
// "local" runs the rule engine plus the on-disk artifact; "remote"
// sends inference to the configured provider model, routed through the
// model-client circuit breaker.
type ModelConfig struct {
	Mode     string `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// CircuitBreakerConfig configures the default breaker parameters applied
// to every named dependency unless overridden. The three core breakers
// (metadata-store, schema-registry, model-client) use
// ConsecutiveFailureThreshold — the literal "trips OPEN at
// failure_threshold (default 5)" consecutive-count contract.
// FailureThreshold remains the fractional-rate threshold for any breaker
// constructed on demand by name outside that fixed set (breaker.ModeFractional).
type CircuitBreakerConfig struct {
	FailureThreshold            float64 `yaml:"failure_threshold"`
	ConsecutiveFailureThreshold uint32  `yaml:"consecutive_failure_threshold"`
	ResetTimeout                string  `yaml:"reset_timeout"`
}

// ObjectStoreConfig configures the minio-backed staging object store
// the data corrector writes large corrected payloads to. An
// empty Endpoint means the process falls back to an in-memory object
// store, which is the default for local/dev runs.
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// NotificationConfig configures the escalation-delivery adapter
// (escalating to humans). When SlackWebhookURL is empty,
// delivery falls back to the file adapter writing under OutputDir.
type NotificationConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	OutputDir       string `yaml:"output_dir"`
}

// ActionThreshold overrides confidence/approval behavior for a single
// correction action type.
type ActionThreshold struct {
	Action                 string  `yaml:"action"`
	ConfidenceThreshold    float64 `yaml:"confidence_threshold"`
	ApprovalRequiredBelow  float64 `yaml:"approval_required_below_confidence"`
}

// Config is the process-wide configuration object.
type Config struct {
	ConfidenceThreshold             float64               `yaml:"confidence_threshold"`
	MaxRetryAttempts                int                   `yaml:"max_retry_attempts"`
	MaxRecoveryAttempts             int                   `yaml:"max_recovery_attempts"`
	HealingMode                     HealingMode           `yaml:"healing_mode"`
	ApprovalRequiredBelowConfidence float64               `yaml:"approval_required_below_confidence"`
	OrphanTimeoutMinutes            int                   `yaml:"orphan_timeout_minutes"`
	ApprovalTimeoutHours            int                   `yaml:"approval_timeout_hours"`
	StartupGraceSeconds             int                   `yaml:"startup_grace_seconds"`
	ActionThresholds                []ActionThreshold     `yaml:"action_thresholds"`
	CircuitBreaker                  CircuitBreakerConfig  `yaml:"circuit_breaker"`
	Logging                         LoggingConfig         `yaml:"logging"`
	Database                        DatabaseConfig        `yaml:"database"`
	VectorDB                        VectorDBConfig        `yaml:"vector_db"`
	Model                           ModelConfig           `yaml:"model"`
	ObjectStore                     ObjectStoreConfig     `yaml:"object_store"`
	Notification                    NotificationConfig    `yaml:"notification"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		ConfidenceThreshold:             0.85,
		MaxRetryAttempts:                5,
		MaxRecoveryAttempts:             3,
		HealingMode:                     HealingModeAutomatic,
		ApprovalRequiredBelowConfidence: 0.9,
		OrphanTimeoutMinutes:            30,
		ApprovalTimeoutHours:            24,
		StartupGraceSeconds:             60,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:            0.5,
			ConsecutiveFailureThreshold: 5,
			ResetTimeout:                "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		VectorDB: VectorDBConfig{
			DB:            0,
			SimilarityMin: 0.7,
		},
		Model: ModelConfig{
			Mode: "local",
		},
		Notification: NotificationConfig{
			OutputDir: "./notifications",
		},
	}
}

// Load reads a YAML configuration file at path, applying defaults for
// any field left unset, then overlaying recognized environment
// variables (SELFHEAL_<UPPER_SNAKE_FIELD>).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to parse config file")
	}

	applyEnvOverlay(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverlay overrides a handful of frequently-tuned fields from
// the environment, so an operator can adjust thresholds without editing
// the checked-in config file.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("SELFHEAL_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("SELFHEAL_HEALING_MODE"); v != "" {
		cfg.HealingMode = HealingMode(strings.ToLower(v))
	}
	if v := os.Getenv("SELFHEAL_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("SELFHEAL_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

func validate(cfg *Config) error {
	switch cfg.HealingMode {
	case HealingModeDisabled, HealingModeAdvisory, HealingModeAutomatic:
	default:
		return appErrors.NewValidationError(fmt.Sprintf("healing_mode %q is not one of disabled, advisory, automatic", cfg.HealingMode))
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return appErrors.NewValidationError("confidence_threshold must be in [0, 1]")
	}
	if cfg.ApprovalRequiredBelowConfidence < 0 || cfg.ApprovalRequiredBelowConfidence > 1 {
		return appErrors.NewValidationError("approval_required_below_confidence must be in [0, 1]")
	}
	if cfg.MaxRetryAttempts <= 0 {
		return appErrors.NewValidationError("max_retry_attempts must be greater than 0")
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		return appErrors.NewValidationError("max_recovery_attempts must be greater than 0")
	}
	switch cfg.Model.Mode {
	case "local", "remote":
	default:
		return appErrors.NewValidationError(fmt.Sprintf("model mode %q is not one of local, remote", cfg.Model.Mode))
	}
	if err := validation.ValidateWindowMinutes(cfg.OrphanTimeoutMinutes); err != nil {
		return appErrors.NewValidationError(fmt.Sprintf("orphan_timeout_minutes: %v", err))
	}
	for _, t := range cfg.ActionThresholds {
		if err := validation.ValidateActionType(t.Action); err != nil {
			return appErrors.NewValidationError(fmt.Sprintf("action_thresholds: %v", err))
		}
	}
	return nil
}
