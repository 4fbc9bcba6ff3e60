package secrets

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

const redactedText = "[redacted]"

var ErrNoCipher = errors.New("no cipher configured")

// SecretField holds a sealed credential. The plaintext is only reachable
// through Reveal; every other representation (JSON, fmt, logs) is redacted.
type SecretField struct {
	sealed string
}

// Seal encrypts plaintext into a SecretField. An empty plaintext yields an empty field.
func Seal(c *Cipher, plaintext string) (SecretField, error) {
	if plaintext == "" {
		return SecretField{}, nil
	}
	if c == nil {
		return SecretField{}, ErrNoCipher
	}
	s, err := c.seal(plaintext)
	if err != nil {
		return SecretField{}, err
	}
	return SecretField{sealed: s}, nil
}

// Reveal decrypts the field.
func (f SecretField) Reveal(c *Cipher) (string, error) {
	if f.sealed == "" {
		return "", nil
	}
	if c == nil {
		return "", ErrNoCipher
	}
	return c.open(f.sealed)
}

// IsZero reports whether no secret is stored.
func (f SecretField) IsZero() bool {
	return f.sealed == ""
}

func (f SecretField) String() string {
	if f.sealed == "" {
		return ""
	}
	return redactedText
}

func (f SecretField) GoString() string {
	return "secrets.SecretField{" + f.String() + "}"
}

func (f SecretField) MarshalJSON() ([]byte, error) {
	if f.sealed == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + redactedText + `"`), nil
}

// Value implements driver.Valuer; the database only ever sees ciphertext.
func (f SecretField) Value() (driver.Value, error) {
	return f.sealed, nil
}

// Scan implements sql.Scanner.
func (f *SecretField) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		f.sealed = ""
	case string:
		f.sealed = v
	case []byte:
		f.sealed = string(v)
	default:
		return fmt.Errorf("secrets: cannot scan %T into SecretField", src)
	}
	return nil
}
