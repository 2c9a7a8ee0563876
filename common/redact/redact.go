// Package redact strips sensitive values from log output and from
// provider parameters before they are journaled or sent as notices.
//
// Provider instances carry free-form parameters (registry credentials,
// Redis passwords, Matrix tokens). Those must never reach:
//   - log lines
//   - the lifecycle journal
//   - operator notices
//
// Redaction is best-effort and operates on string representations.
package redact

import (
	"sort"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Params returns a copy of params with values of secret-looking keys
// replaced. The input map is not modified.
func Params(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if IsSensitiveKey(k) && v != "" {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// Secrets returns the values of params whose keys look sensitive, sorted,
// for use with String.
func Secrets(params map[string]string) []string {
	var out []string
	for k, v := range params {
		if IsSensitiveKey(k) && v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// IsSensitiveKey reports whether key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
