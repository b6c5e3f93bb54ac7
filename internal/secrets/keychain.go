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

package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeychainProvider stores secrets in the system keychain.
//
// Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
type KeychainProvider struct {
	// service is the keychain service name used for all entries
	service string

	// available indicates if the keychain is accessible
	available bool
}

// NewKeychainProvider creates a keychain secret provider. The service
// parameter is the keychain service name (typically "cascade").
func NewKeychainProvider(service string) *KeychainProvider {
	provider := &KeychainProvider{
		service:   service,
		available: true,
	}

	// Test keychain availability
	_, err := keyring.Get(service, "__cascade_availability_test__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		provider.available = false
	}

	return provider
}

// Get retrieves a secret value from the system keychain.
func (k *KeychainProvider) Get(name string) (string, error) {
	if !k.available {
		return "", ErrNotFound
	}

	value, err := keyring.Get(k.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("keychain access error: %w", err)
	}

	return value, nil
}

// Set stores a secret in the system keychain.
func (k *KeychainProvider) Set(name, value string) error {
	if !k.available {
		return errors.New("system keychain unavailable or locked")
	}
	return keyring.Set(k.service, name, value)
}

// Delete removes a secret from the system keychain.
func (k *KeychainProvider) Delete(name string) error {
	if !k.available {
		return errors.New("system keychain unavailable or locked")
	}
	err := keyring.Delete(k.service, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
