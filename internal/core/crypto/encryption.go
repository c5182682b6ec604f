// Package crypto seals secret values, such as run environment variables,
// before they are written to disk. It is pure apart from reading
// randomness for nonces.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the encryption key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when the sealed box is truncated.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned on a wrong key or corrupted data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication mismatch")

	// ErrNotSealed is returned when opening a value without the sealed prefix.
	ErrNotSealed = errors.New("value is not sealed")
)

const nonceSize = 24

// SealedPrefix marks values produced by SealString.
const SealedPrefix = "sealed:"

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives a 32-byte key from a passphrase. It is deterministic.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

func boxKey(key []byte) (*[32]byte, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	var k [32]byte
	copy(k[:], key[:32])
	return &k, nil
}

// =============================================================================
// Secretbox
// =============================================================================

// Encrypt seals plaintext with XSalsa20-Poly1305.
//
// The ciphertext format is: nonce (24 bytes) || sealed box.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	k, err := boxKey(key)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, k), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	k, err := boxKey(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrInvalidCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	out, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, k)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// =============================================================================
// String Variants
// =============================================================================

// SealString encrypts s for storage in a text column.
func SealString(s string, key []byte) (string, error) {
	ct, err := Encrypt([]byte(s), key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// OpenString reverses SealString.
func OpenString(sealed string, key []byte) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, SealedPrefix)
	if !ok {
		return "", ErrNotSealed
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	pt, err := Decrypt(ct, key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsSealed reports whether s was produced by SealString.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, SealedPrefix)
}

// SealMap seals every value of m. A nil key returns a copy of m unchanged.
func SealMap(m map[string]string, key []byte) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if key == nil {
			out[k] = v
			continue
		}
		sealed, err := SealString(v, key)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", k, err)
		}
		out[k] = sealed
	}
	return out, nil
}

// OpenMap opens every sealed value of m. Plain values pass through, so
// records written without a key stay readable.
func OpenMap(m map[string]string, key []byte) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if !IsSealed(v) {
			out[k] = v
			continue
		}
		if key == nil {
			return nil, fmt.Errorf("open %s: %w", k, ErrKeyTooShort)
		}
		plain, err := OpenString(v, key)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}
