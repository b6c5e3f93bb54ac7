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

// Package pricing turns token usage into dollar amounts. A user table
// in pricing.yaml overrides the built-in rates; costs computed from a
// stale or missing table are flagged estimated rather than silently
// trusted.
package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// DefaultStaleAfter is how old a pricing table may be before costs
// computed from it are flagged estimated.
const DefaultStaleAfter = 30 * 24 * time.Hour

// ModelRate is the per-million-token pricing for one model.
type ModelRate struct {
	Model                 string  `yaml:"model"`
	InputPricePerMillion  float64 `yaml:"input_price_per_million"`
	OutputPricePerMillion float64 `yaml:"output_price_per_million"`
}

// Table is the full pricing table plus its effective date.
type Table struct {
	AsOf   time.Time   `yaml:"as_of"`
	Models []ModelRate `yaml:"models"`
}

// Cost is one computed amount with its provenance.
type Cost struct {
	USD float64
	// Estimated is set when the table was stale or the model unknown.
	Estimated bool
	// Reason explains why the cost is estimated, empty otherwise.
	Reason string
}

// Manager answers cost queries against the merged table. Safe for
// concurrent use.
type Manager struct {
	mu         sync.RWMutex
	table      *Table
	staleAfter time.Duration
	now        func() time.Time
}

// NewManager returns a Manager backed by the built-in rates.
func NewManager() *Manager {
	return &Manager{
		table:      builtInTable(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// NewManagerWithFile returns a Manager that overlays the user table at
// path on the built-in rates. A missing file is not an error.
func NewManagerWithFile(path string) (*Manager, error) {
	m := NewManager()
	if err := m.LoadFile(path); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFile merges a user pricing table over the current one. User
// entries win per model; the user's as_of becomes the table's age.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &cascadeerrors.ConfigError{Key: "pricing", Reason: "cannot read pricing table", Cause: err}
	}

	var user Table
	if err := yaml.Unmarshal(data, &user); err != nil {
		return &cascadeerrors.ConfigError{Key: "pricing", Reason: "invalid pricing table", Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = merge(m.table, &user)
	return nil
}

// SetStaleAfter overrides the staleness threshold. Non-positive values
// keep the default.
func (m *Manager) SetStaleAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleAfter = d
}

// Stale reports whether the active table's as_of exceeds the staleness
// threshold.
func (m *Manager) Stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.table.AsOf) > m.staleAfter
}

// AsOf returns the effective date of the active table.
func (m *Manager) AsOf() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.AsOf
}

// CostFor prices a completed step. Unknown models cost zero and are
// flagged estimated; a stale table flags every cost estimated.
func (m *Manager) CostFor(model string, inputTokens, outputTokens int64) Cost {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rate, ok := m.lookup(model)
	if !ok {
		return Cost{Estimated: true, Reason: fmt.Sprintf("no pricing for model %q", model)}
	}

	usd := float64(inputTokens)/1_000_000.0*rate.InputPricePerMillion +
		float64(outputTokens)/1_000_000.0*rate.OutputPricePerMillion

	if m.now().Sub(m.table.AsOf) > m.staleAfter {
		return Cost{USD: usd, Estimated: true, Reason: fmt.Sprintf("pricing table dated %s is stale", m.table.AsOf.Format("2006-01-02"))}
	}
	return Cost{USD: usd}
}

// lookup matches the model exactly first, then by prefix so dated
// variants like gpt-4.1-2025-04-14 resolve to their base rate.
func (m *Manager) lookup(model string) (*ModelRate, bool) {
	for i := range m.table.Models {
		if m.table.Models[i].Model == model {
			return &m.table.Models[i], true
		}
	}
	var best *ModelRate
	for i := range m.table.Models {
		r := &m.table.Models[i]
		if strings.HasPrefix(model, r.Model+"-") {
			if best == nil || len(r.Model) > len(best.Model) {
				best = r
			}
		}
	}
	return best, best != nil
}

func merge(base, user *Table) *Table {
	merged := &Table{AsOf: user.AsOf}

	overridden := make(map[string]ModelRate, len(user.Models))
	for _, r := range user.Models {
		overridden[r.Model] = r
	}

	for _, r := range base.Models {
		if u, ok := overridden[r.Model]; ok {
			merged.Models = append(merged.Models, u)
			delete(overridden, r.Model)
			continue
		}
		merged.Models = append(merged.Models, r)
	}
	for _, r := range user.Models {
		if _, stillNew := overridden[r.Model]; stillNew {
			merged.Models = append(merged.Models, r)
		}
	}
	return merged
}
