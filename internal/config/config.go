// Copyright 2025 Tom Barlow
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

package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Config is the persisted cascade configuration. Everything has a working
// default; a missing config file is not an error.
type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	Retry      RetryConfig      `yaml:"retry"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Batch      BatchConfig      `yaml:"batch"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Capability CapabilityConfig `yaml:"capability"`
}

// ProviderConfig configures the remote Provider endpoint.
type ProviderConfig struct {
	// BaseURL is the Provider API root, including the version prefix.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for runs that do not choose one.
	Model string `yaml:"model"`

	// APIKeyName is the secret name looked up through the credential
	// provider chain (keychain, then CASCADE_SECRET_<NAME>).
	APIKeyName string `yaml:"api_key_name"`

	// RequestTimeout bounds a single Responses call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RetryConfig configures transient-failure handling on the transport.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	// BreakerThreshold consecutive failures within BreakerWindow open the
	// circuit; BreakerCooldown must elapse before a probe is admitted.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// MirrorConfig configures the project mirror scan and upload.
type MirrorConfig struct {
	// DenyExtensions are never uploaded, whatever their content.
	DenyExtensions []string `yaml:"deny_extensions"`

	// DenyGlobs are doublestar patterns matched against relative paths.
	DenyGlobs []string `yaml:"deny_globs"`

	// MaxFileSize is the per-file upload cap in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`

	// UploadWorkers bounds concurrent uploads.
	UploadWorkers int `yaml:"upload_workers"`

	// UploadRate is the sustained upload request rate per second.
	UploadRate float64 `yaml:"upload_rate"`
}

// BatchConfig configures deferred (batch) execution.
type BatchConfig struct {
	PollInitial      time.Duration `yaml:"poll_initial"`
	PollMax          time.Duration `yaml:"poll_max"`
	CompletionWindow string        `yaml:"completion_window"`
}

// PricingConfig configures the consumed price table.
type PricingConfig struct {
	// Path overrides the default pricing file location.
	Path string `yaml:"path"`

	// StaleAfter is how old the table may be before receipts are flagged
	// as estimated.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// CapabilityConfig configures the model capability cache.
type CapabilityConfig struct {
	// Path overrides the default cache file location.
	Path string `yaml:"path"`

	// TTL is how long a probe result stays trusted.
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4.1",
			APIKeyName:     "openai_api_key",
			RequestTimeout: 120 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:      5,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         30 * time.Second,
			BreakerThreshold: 5,
			BreakerWindow:    30 * time.Second,
			BreakerCooldown:  20 * time.Second,
		},
		Mirror: MirrorConfig{
			DenyExtensions: []string{
				".exe", ".dll", ".zip", ".7z", ".rar",
				".png", ".jpg", ".jpeg", ".gif", ".pdf",
				".db", ".sqlite", ".pkl", ".pt", ".onnx",
			},
			DenyGlobs: []string{
				"**/.git/**",
				"**/node_modules/**",
				"**/venv/**",
				"**/.venv/**",
				"**/LOG/**",
			},
			MaxFileSize:   10 * 1024 * 1024,
			UploadWorkers: 4,
			UploadRate:    5,
		},
		Batch: BatchConfig{
			PollInitial:      5 * time.Second,
			PollMax:          60 * time.Second,
			CompletionWindow: "24h",
		},
		Pricing: PricingConfig{
			StaleAfter: 30 * 24 * time.Hour,
		},
		Capability: CapabilityConfig{
			TTL: 7 * 24 * time.Hour,
		},
	}
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file yields the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, &cascadeerrors.ConfigError{Reason: "cannot resolve config directory", Cause: err}
		}
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &cascadeerrors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &cascadeerrors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values that would break a run.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return &cascadeerrors.ConfigError{Key: "provider.base_url", Reason: "must not be empty"}
	}
	if c.Provider.RequestTimeout <= 0 {
		return &cascadeerrors.ConfigError{Key: "provider.request_timeout", Reason: "must be positive"}
	}
	if c.Retry.MaxAttempts < 1 {
		return &cascadeerrors.ConfigError{Key: "retry.max_attempts", Reason: "must be at least 1"}
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return &cascadeerrors.ConfigError{Key: "retry.base_delay", Reason: "base delay must be positive and not exceed max delay"}
	}
	if c.Mirror.UploadWorkers < 1 {
		return &cascadeerrors.ConfigError{Key: "mirror.upload_workers", Reason: "must be at least 1"}
	}
	if c.Mirror.MaxFileSize <= 0 {
		return &cascadeerrors.ConfigError{Key: "mirror.max_file_size", Reason: "must be positive"}
	}
	if c.Batch.PollInitial <= 0 || c.Batch.PollMax < c.Batch.PollInitial {
		return &cascadeerrors.ConfigError{Key: "batch.poll_initial", Reason: "poll intervals must be positive and ordered"}
	}
	return nil
}

// LedgerPath returns the receipt ledger database location.
func (c *Config) LedgerPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "receipts.db"), nil
}

// CapabilityCachePath returns the capability cache file location.
func (c *Config) CapabilityCachePath() (string, error) {
	if c.Capability.Path != "" {
		return c.Capability.Path, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "capabilities.json"), nil
}

// PricingPath returns the pricing table file location.
func (c *Config) PricingPath() (string, error) {
	if c.Pricing.Path != "" {
		return c.Pricing.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pricing.yaml"), nil
}
