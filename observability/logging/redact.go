package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that carry secrets somewhere in the recovery pipeline: wallet private
// keys, API session tokens, and signed claim material.
var sensitiveKeys = map[string]struct{}{
	"private_key": {},
	"privatekey":  {},
	"signature":   {},
	"token":       {},
	"token_k":     {},
	"api_key":     {},
	"bearer":      {},
}

// IsSensitive reports whether the provided log key must never be emitted verbatim.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value whenever the key
// is classified as sensitive. Empty values pass through unchanged to avoid
// introducing placeholder noise in logs.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// ShortAddress abbreviates a hex address for log readability, keeping enough of
// the prefix and suffix to identify the wallet in operator tooling.
func ShortAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if len(trimmed) <= 12 {
		return trimmed
	}
	return trimmed[:8] + ".." + trimmed[len(trimmed)-4:]
}
