package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

var (
	ErrInvalidKey        = errors.New("secret key must be 32 bytes")
	ErrMalformedSealed   = errors.New("malformed sealed secret")
	ErrDecryptionFailure = errors.New("secret decryption failed")
)

// Cipher seals provider credentials with XChaCha20-Poly1305.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a raw 32 byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{key: k}, nil
}

// NewCipherFromHex parses a hex encoded key, as stored in SECRET_KEY.
func NewCipherFromHex(hexKey string) (*Cipher, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	return NewCipher(raw)
}

func (c *Cipher) seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrMalformedSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", ErrMalformedSealed
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedSealed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(plain), nil
}
