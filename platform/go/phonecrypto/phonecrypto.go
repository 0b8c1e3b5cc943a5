// Package phonecrypto encrypts phone numbers at rest and derives the
// deterministic hash used for equality lookups. Numbers are sealed with
// NaCl secretbox under a per-deployment key; the hash is an HMAC-SHA256
// of the normalized number so the same number always maps to the same
// column value without exposing it.
package phonecrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

var (
	ErrInvalidKey        = errors.New("phonecrypto: key must be 32 bytes")
	ErrInvalidPhone      = errors.New("phonecrypto: phone number is not in E.164 form")
	ErrCiphertextInvalid = errors.New("phonecrypto: ciphertext is malformed or key mismatch")
)

// Codec seals and opens phone numbers with a fixed symmetric key.
type Codec struct {
	key [keySize]byte
}

// New builds a Codec from a hex-encoded 32-byte key, as carried in
// configuration.
func New(hexKey string) (*Codec, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode phone key: %w", err)
	}
	if len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	c := &Codec{}
	copy(c.key[:], raw)
	return c, nil
}

// Normalize canonicalizes a phone number to E.164: strips spaces,
// dashes and parentheses, requires a leading + followed by 8 to 15
// digits.
func Normalize(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator, drop
		default:
			return "", ErrInvalidPhone
		}
	}
	s := b.String()
	if !strings.HasPrefix(s, "+") {
		return "", ErrInvalidPhone
	}
	digits := len(s) - 1
	if digits < 8 || digits > 15 {
		return "", ErrInvalidPhone
	}
	return s, nil
}

// Encrypt normalizes and seals a phone number. The returned string is
// base64(nonce || box).
func (c *Codec) Encrypt(phone string) (string, error) {
	normalized, err := Normalize(phone)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(normalized), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Codec) Decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", ErrCiphertextInvalid
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return "", ErrCiphertextInvalid
	}
	return string(plain), nil
}

// Hash derives the deterministic lookup hash of a phone number. The
// input is normalized first so formatting differences collapse to the
// same value.
func (c *Codec) Hash(phone string) (string, error) {
	normalized, err := Normalize(phone)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
