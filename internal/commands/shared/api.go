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

package shared

import (
	"log/slog"
	"path/filepath"

	"github.com/tombee/cascade/internal/config"
	cascadelog "github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/pricing"
	"github.com/tombee/cascade/internal/receipt"
	"github.com/tombee/cascade/internal/secrets"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/provider"
)

// LoadConfig reads the config file honoring the --config flag.
func LoadConfig() (*config.Config, error) {
	return config.Load(GetConfigPath())
}

// NewLogger builds the CLI logger, honoring --verbose and --quiet.
func NewLogger() *slog.Logger {
	cfg := cascadelog.FromEnv()
	if GetVerbose() {
		cfg.Level = "debug"
	}
	if GetQuiet() {
		cfg.Level = "error"
	}
	return cascadelog.New(cfg)
}

// BuildClient resolves the API key through the credential chain and
// returns a Provider client.
func BuildClient(cfg *config.Config) (*provider.Client, error) {
	key, err := secrets.DefaultChain().Get(cfg.Provider.APIKeyName)
	if err != nil {
		return nil, &cascadeerrors.ConfigError{
			Key:    "provider.api_key_name",
			Reason: "no API key named " + cfg.Provider.APIKeyName + " in keychain or CASCADE_SECRET_* environment",
			Cause:  err,
		}
	}

	return provider.New(provider.Config{
		BaseURL:          cfg.Provider.BaseURL,
		APIKey:           key,
		Timeout:          cfg.Provider.RequestTimeout,
		RetryAttempts:    cfg.Retry.MaxAttempts - 1,
		RetryBackoff:     cfg.Retry.BaseDelay,
		MaxBackoff:       cfg.Retry.MaxDelay,
		BreakerThreshold: cfg.Retry.BreakerThreshold,
		BreakerWindow:    cfg.Retry.BreakerWindow,
		BreakerCooldown:  cfg.Retry.BreakerCooldown,
	})
}

// OpenLedger opens the receipt database at its configured location.
func OpenLedger(cfg *config.Config) (*receipt.Ledger, error) {
	path, err := cfg.LedgerPath()
	if err != nil {
		return nil, err
	}
	return receipt.Open(path)
}

// NewPricing loads the price table, overlaying the user file when
// present.
func NewPricing(cfg *config.Config) (*pricing.Manager, error) {
	path, err := cfg.PricingPath()
	if err != nil {
		return nil, err
	}
	m, err := pricing.NewManagerWithFile(path)
	if err != nil {
		return nil, err
	}
	m.SetStaleAfter(cfg.Pricing.StaleAfter)
	return m, nil
}

// LogRoot returns where run logs live: LOG under the working tree, or
// the data directory for runs without one.
func LogRoot(workingDir string) (string, error) {
	if workingDir != "" {
		return filepath.Join(workingDir, "LOG"), nil
	}
	dir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runs"), nil
}
