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

package scrub

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Classification is the verdict for one local file.
type Classification string

const (
	// ClassClean files may be uploaded.
	ClassClean Classification = "clean"
	// ClassSecret files are withheld from upload; the name or content
	// looks credential-bearing.
	ClassSecret Classification = "secret"
	// ClassBinary files are withheld; the mirror carries text only.
	ClassBinary Classification = "binary"
)

// sniffLen is how many leading bytes the binary sniff examines.
const sniffLen = 4096

// sensitiveNames are exact base names that are secrets by definition.
var sensitiveNames = map[string]bool{
	".env":       true,
	".env.local": true,
	".env.prod":  true,
	".pypirc":    true,
	".netrc":     true,
	"id_rsa":     true,
	"id_ed25519": true,
	"id_ecdsa":   true,
}

// secretPatterns match content that should never leave the machine.
var secretPatterns = []*regexp.Regexp{
	// Provider API keys
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	// assignment of a secret-looking name to a non-trivial literal
	regexp.MustCompile(`(?i)(secret|token|password|api_key)\s*[=:]\s*['"][^'"]{8,}['"]`),
	// PEM private key blocks
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
	// AWS access key ids
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
}

// Classify inspects a file and decides whether it is safe to upload.
// Name-based verdicts never read the file; content checks read at most
// the whole file once.
func Classify(path string) (Classification, error) {
	base := filepath.Base(path)
	if sensitiveNames[strings.ToLower(base)] || sensitiveNames[base] {
		return ClassSecret, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	if IsBinary(data) {
		return ClassBinary, nil
	}

	if ContainsSecret(data) {
		return ClassSecret, nil
	}

	return ClassClean, nil
}

// ContainsSecret reports whether content matches any secret pattern.
func ContainsSecret(content []byte) bool {
	for _, pattern := range secretPatterns {
		if pattern.Match(content) {
			return true
		}
	}
	return false
}

// IsBinary sniffs the leading bytes: a NUL byte, or less than 75%
// printable characters, marks the content binary.
func IsBinary(content []byte) bool {
	if len(content) == 0 {
		return false
	}

	sample := content
	if len(sample) > sniffLen {
		sample = sample[:sniffLen]
	}

	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}

	printable := 0
	for _, b := range sample {
		r := rune(b)
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r < 0x7f) || unicode.IsPrint(r) {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) < 0.75
}
