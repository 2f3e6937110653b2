package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces the value of any sensitive attribute.
const RedactedValue = "[REDACTED]"

// sensitiveFragments match anywhere in a normalised key, so "hmacSecret" and
// "signer_passphrase" are both caught.
var sensitiveFragments = []string{
	"passphrase",
	"password",
	"privatekey",
	"secret",
	"authorization",
	"jwt",
	"keystorejson",
}

func normaliseKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(key)
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalised := normaliseKey(key)
	if normalised == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalised, fragment) {
			return true
		}
	}
	return false
}

// MaskValue returns RedactedValue for non-blank values and leaves blanks as
// they are.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute, masking the value when key is
// sensitive.
func MaskField(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}
