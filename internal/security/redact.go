// Package security keeps provider credentials out of logs, error details and
// persisted request records.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces anything that looks like a secret.
const RedactedPlaceholder = "[REDACTED]"

// sensitivePatterns matches common API key shapes.
var sensitivePatterns = []*regexp.Regexp{
	// Anthropic keys: sk-ant-...
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	// OpenAI keys: sk-...
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	// Google AI keys: AIza...
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{30,}`),
	// Bearer tokens in header dumps.
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]{8,}`),
	// Query-string credentials: key=..., appid=..., api_key=..., access_key=...
	regexp.MustCompile(`(?i)\b(key|appid|api_key|apikey|access_key|token)=[^&\s"']+`),
	// Generic long alphanumeric strings that look like keys.
	regexp.MustCompile(`[a-zA-Z0-9_-]{40,}`),
}

// sensitiveQueryParams are dropped from URLs before they are logged.
var sensitiveQueryParams = []string{"key", "appid", "api_key", "apikey", "access_key", "token"}

// Redact scans s for secret-looking substrings and replaces them. Any extra
// secrets passed in (typically the provider credential) are replaced
// verbatim first, whatever their shape.
func Redact(s string, secrets ...string) string {
	result := s
	for _, sec := range secrets {
		if len(sec) < 4 {
			continue
		}
		result = strings.ReplaceAll(result, sec, RedactedPlaceholder)
	}
	for _, p := range sensitivePatterns {
		result = p.ReplaceAllStringFunc(result, func(m string) string {
			if i := strings.IndexByte(m, '='); i > 0 && !strings.HasPrefix(m, "sk-") {
				return m[:i+1] + RedactedPlaceholder
			}
			return RedactedPlaceholder
		})
	}
	return result
}

// RedactURL removes credential query parameters and any user info from raw.
// Unparseable input falls back to Redact.
func RedactURL(raw string, secrets ...string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redact(raw, secrets...)
	}
	u.User = nil
	q := u.Query()
	changed := false
	for _, name := range sensitiveQueryParams {
		for k := range q {
			if strings.EqualFold(k, name) {
				q.Set(k, "REDACTED")
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return Redact(u.String(), secrets...)
}

// IsSensitiveKey reports whether a header or field name usually carries a
// secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"authorization", "api_key", "apikey", "api-key", "secret", "password", "token", "bearer", "credential"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
