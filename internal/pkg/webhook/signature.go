package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var errTrailingData = errors.New("trailing data after JSON value")

// CanonicalJSON re-encodes payload with sorted object keys, no insignificant
// whitespace, unescaped HTML characters and numbers kept verbatim.
func CanonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the hex HMAC-SHA256 of the canonical payload.
func Sign(canonical []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature fails closed on an empty signature or secret. The signature
// is hex, optionally prefixed with "sha256=".
func VerifySignature(canonical []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" || secret == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), provided)
}
