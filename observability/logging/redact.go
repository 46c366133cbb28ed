package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// redactedSegment replaces URL parts; it needs no escaping.
const redactedSegment = "redacted"

// sensitiveKeys are masked wherever they appear.
var sensitiveKeys = map[string]struct{}{
	"private_key": {},
	"privatekey":  {},
	"key":         {},
	"passphrase":  {},
	"password":    {},
	"secret":      {},
	"headers":     {},
}

// IsSensitive reports whether values logged under key are always masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the masked log keys.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskURL strips user info and query parameters, where RPC providers put
// their API keys, from raw.
func MaskURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return MaskValue(raw)
	}
	if u.User != nil {
		u.User = url.User(redactedSegment)
	}
	if u.RawQuery != "" {
		u.RawQuery = redactedSegment
	}
	if len(u.Path) > 1 {
		// infura style project ids live in the path
		u.Path = "/" + redactedSegment
	}
	return u.String()
}

// Redact masks attr when its key is sensitive. URL valued "rpc" attributes
// keep their host.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	switch {
	case IsSensitive(attr.Key):
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	case strings.EqualFold(attr.Key, "rpc"):
		return slog.String(attr.Key, MaskURL(attr.Value.String()))
	}
	return attr
}
