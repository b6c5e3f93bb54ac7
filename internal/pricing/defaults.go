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

package pricing

import "time"

// builtInTable returns the shipped rates, current as of the embedded
// date. Users override via pricing.yaml rather than editing this.
func builtInTable() *Table {
	return &Table{
		AsOf: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Models: []ModelRate{
			{Model: "gpt-4.1", InputPricePerMillion: 2.00, OutputPricePerMillion: 8.00},
			{Model: "gpt-4.1-mini", InputPricePerMillion: 0.40, OutputPricePerMillion: 1.60},
			{Model: "gpt-4.1-nano", InputPricePerMillion: 0.10, OutputPricePerMillion: 0.40},
			{Model: "gpt-4o", InputPricePerMillion: 2.50, OutputPricePerMillion: 10.00},
			{Model: "gpt-4o-mini", InputPricePerMillion: 0.15, OutputPricePerMillion: 0.60},
			{Model: "o3", InputPricePerMillion: 2.00, OutputPricePerMillion: 8.00},
			{Model: "o4-mini", InputPricePerMillion: 1.10, OutputPricePerMillion: 4.40},
		},
	}
}
