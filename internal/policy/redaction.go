package policy

import (
	"net/http"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// IsSecretKey reports whether a parameter or header name carries a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"apikey", "api_key", "api-key", "token", "secret", "password", "authorization", "cookie"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// MaskSecret keeps the last four characters of long values.
func MaskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "[REDACTED]"
	}
	return "[REDACTED]..." + v[len(v)-4:]
}

// RedactParams returns a copy of params with credentials masked and long
// free-text values truncated for logging.
func RedactParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch {
		case IsSecretKey(k):
			out[k] = MaskSecret(v)
		case len(v) > 100:
			out[k] = v[:100] + "..."
		default:
			out[k] = v
		}
	}
	return out
}

// RedactHeaders flattens headers for display with credentials masked.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		v := strings.Join(vals, ", ")
		if IsSecretKey(k) {
			v = MaskSecret(v)
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
