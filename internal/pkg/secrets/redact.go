package secrets

import "strings"

var sensitiveKeys = map[string]struct{}{
	"authorization":  {},
	"api_key":        {},
	"apikey":         {},
	"x-api-key":      {},
	"api_secret":     {},
	"client_secret":  {},
	"secret":         {},
	"webhook_secret": {},
	"password":       {},
	"token":          {},
	"access_token":   {},
	"refresh_token":  {},
	"pin":            {},
}

// IsSensitiveKey reports whether a field or header name carries a credential.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Redact returns a deep copy of m with credential values masked.
func Redact(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = redactedText
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

// RedactHeaders masks credential headers.
func RedactHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsSensitiveKey(k) {
			out[k] = redactedText
			continue
		}
		out[k] = v
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return Redact(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = redactValue(t[i])
		}
		return out
	default:
		return v
	}
}
