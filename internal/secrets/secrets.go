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

// Package secrets resolves Provider credentials without ever writing them
// to disk in the clear. The system keychain is the primary store; an
// environment variable fallback keeps headless machines working.
package secrets

import (
	"errors"
	"os"
	"strings"
)

// ErrNotFound is returned when no backend holds the requested secret.
var ErrNotFound = errors.New("secret not found")

// envPrefix is the fallback environment variable prefix: a secret named
// "openai_api_key" is read from CASCADE_SECRET_OPENAI_API_KEY.
const envPrefix = "CASCADE_SECRET_"

// Provider resolves named secrets.
type Provider interface {
	// Get returns the secret value for name, or ErrNotFound.
	Get(name string) (string, error)

	// Set stores the secret value under name. Backends that cannot store
	// (environment) return an error.
	Set(name, value string) error

	// Delete removes the secret. Missing entries are not an error.
	Delete(name string) error
}

// Chain tries each provider in order for Get; Set and Delete go to the
// first provider only.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider chain. The default chain is keychain first,
// environment fallback second.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// DefaultChain returns the standard resolution order: system keychain,
// then CASCADE_SECRET_* environment variables.
func DefaultChain() *Chain {
	return NewChain(NewKeychainProvider("cascade"), NewEnvProvider())
}

// Get resolves name through the chain.
func (c *Chain) Get(name string) (string, error) {
	for _, p := range c.providers {
		value, err := p.Get(name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

// Set stores name in the first provider.
func (c *Chain) Set(name, value string) error {
	if len(c.providers) == 0 {
		return errors.New("no secret providers configured")
	}
	return c.providers[0].Set(name, value)
}

// Delete removes name from the first provider.
func (c *Chain) Delete(name string) error {
	if len(c.providers) == 0 {
		return nil
	}
	return c.providers[0].Delete(name)
}

// EnvProvider reads secrets from CASCADE_SECRET_* environment variables.
// It is read-only.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable secret provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Get reads CASCADE_SECRET_<NAME>, uppercased.
func (e *EnvProvider) Get(name string) (string, error) {
	value := os.Getenv(envPrefix + strings.ToUpper(name))
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set is unsupported for the environment backend.
func (e *EnvProvider) Set(name, value string) error {
	return errors.New("environment secrets are read-only")
}

// Delete is unsupported for the environment backend.
func (e *EnvProvider) Delete(name string) error {
	return errors.New("environment secrets are read-only")
}
