// Package scrub keeps secrets out of everything cascade persists. Redact
// strips credential-bearing fields from payloads before they reach the run
// log; Classify decides whether a local file is safe to mirror to the
// Provider at all.
package scrub

import (
	"strings"
)

// Redacted is the fixed sentinel written in place of secret values.
const Redacted = "[REDACTED]"

// redactTokens are substrings of JSON keys whose string values are
// replaced. Substring matching catches provider-specific variants like
// openai_api_key or ssh_password without enumerating them.
var redactTokens = []string{
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"cookie",
	"password",
	"secret",
	"token",
}

// Redact returns a deep copy of value with every string under a
// secret-keyed field replaced by the sentinel. Only strings are
// replaced, so numeric fields like total_tokens keep their values. It
// is idempotent and never mutates the input.
func Redact(value any) any {
	return redact(value, false)
}

// redact walks value; under reports whether a secret-matched key is on
// the current path.
func redact(value any, under bool) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = redact(item, under || isRedactKey(k))
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redact(item, under)
		}
		return out
	case string:
		if under {
			return Redacted
		}
		return redactString(v)
	default:
		return v
	}
}

// isRedactKey reports whether a JSON key holds credential material.
func isRedactKey(key string) bool {
	lower := strings.ToLower(key)
	for _, token := range redactTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// redactString masks bearer-style values embedded in plain strings, e.g.
// an Authorization header rendered as "Bearer sk-...".
func redactString(s string) string {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "bearer ") {
		return "Bearer " + Redacted
	}
	return s
}

// RedactHeaders masks sensitive HTTP header values, keeping benign ones
// readable for debugging.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "proxy-authorization", "cookie", "set-cookie":
			out[k] = Redacted
		default:
			out[k] = v
		}
	}
	return out
}
