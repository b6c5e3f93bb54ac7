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
	"testing"
)

type mapProvider struct {
	values map[string]string
}

func (m *mapProvider) Get(name string) (string, error) {
	v, ok := m.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *mapProvider) Set(name, value string) error {
	m.values[name] = value
	return nil
}

func (m *mapProvider) Delete(name string) error {
	delete(m.values, name)
	return nil
}

func TestEnvProviderGet(t *testing.T) {
	t.Setenv("CASCADE_SECRET_OPENAI_API_KEY", "sk-test-value")

	p := NewEnvProvider()
	got, err := p.Get("openai_api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sk-test-value" {
		t.Errorf("expected sk-test-value, got %q", got)
	}
}

func TestEnvProviderMissing(t *testing.T) {
	p := NewEnvProvider()
	_, err := p.Get("definitely_not_set_anywhere")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnvProviderReadOnly(t *testing.T) {
	p := NewEnvProvider()
	if err := p.Set("x", "y"); err == nil {
		t.Error("expected Set to fail on env provider")
	}
	if err := p.Delete("x"); err == nil {
		t.Error("expected Delete to fail on env provider")
	}
}

func TestChainFallsThrough(t *testing.T) {
	first := &mapProvider{values: map[string]string{}}
	second := &mapProvider{values: map[string]string{"api_key": "from-second"}}
	chain := NewChain(first, second)

	got, err := chain.Get("api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-second" {
		t.Errorf("expected fallback value, got %q", got)
	}
}

func TestChainFirstWins(t *testing.T) {
	first := &mapProvider{values: map[string]string{"api_key": "from-first"}}
	second := &mapProvider{values: map[string]string{"api_key": "from-second"}}
	chain := NewChain(first, second)

	got, err := chain.Get("api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-first" {
		t.Errorf("expected first provider value, got %q", got)
	}
}

func TestChainSetGoesToFirst(t *testing.T) {
	first := &mapProvider{values: map[string]string{}}
	second := &mapProvider{values: map[string]string{}}
	chain := NewChain(first, second)

	if err := chain.Set("k", "v"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.values["k"] != "v" {
		t.Error("expected Set to write to the first provider")
	}
	if _, ok := second.values["k"]; ok {
		t.Error("Set must not touch fallback providers")
	}
}

func TestChainNotFound(t *testing.T) {
	chain := NewChain(&mapProvider{values: map[string]string{}})
	_, err := chain.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
