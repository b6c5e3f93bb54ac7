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

// Package contract validates Provider responses against the structured
// output contracts. Parsing is strict: the payload must be a single JSON
// object, with one tolerated deviation — prose around the object, which
// the extractor strips by locating the first balanced object literal.
package contract

import (
	"encoding/json"
	"strings"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// ExtractObject parses text into a JSON object. The whole payload is
// tried first; if that fails, the first balanced {...} region is tried.
// Anything that is valid JSON but not an object (array, string, number)
// is rejected outright.
func ExtractObject(contractName, text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Reason: "empty response"}
	}

	var direct any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		obj, ok := direct.(map[string]any)
		if !ok {
			return nil, &cascadeerrors.ContractError{Contract: contractName, Reason: "top-level JSON value is not an object"}
		}
		return obj, nil
	}

	candidate, ok := firstBalancedObject(trimmed)
	if !ok {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Reason: "no JSON object found in response"}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Reason: "extracted object is not valid JSON"}
	}
	return obj, nil
}

// firstBalancedObject scans for the first top-level {...} region,
// respecting string literals and escapes so braces inside strings do not
// confuse the depth count.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
