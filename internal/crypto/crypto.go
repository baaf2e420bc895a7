// Package crypto seals credentials stored in configuration files.
//
// A sealed value has the form "sealed:<base64>" where the payload is
// nonce||ciphertext from AES-256-GCM. The key is derived from a passphrase
// or, when none is configured, from the machine identifier, so a config file
// copied to another machine does not leak remote credentials.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
)

// SealedPrefix marks a configuration value as sealed.
const SealedPrefix = "sealed:"

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrEmptyValue is returned when sealing an empty value.
	ErrEmptyValue = errors.New("value cannot be empty")
)

// Encrypt encrypts plaintext with AES-256-GCM under key and returns the
// base64 encoding of nonce||ciphertext.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a 32-byte key from a passphrase. An empty passphrase
// falls back to the machine identifier.
func DeriveKey(passphrase string) []byte {
	if passphrase == "" {
		passphrase = MachineID()
	}
	hash := sha256.Sum256([]byte("stocksync:" + passphrase))
	return hash[:]
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts value for storage in a config file.
func Seal(value, passphrase string) (string, error) {
	if value == "" {
		return "", ErrEmptyValue
	}
	ct, err := Encrypt([]byte(value), DeriveKey(passphrase))
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Reveal returns the plaintext of a sealed value. Values without the sealed
// prefix are returned unchanged.
func Reveal(value, passphrase string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	pt, err := Decrypt(strings.TrimPrefix(value, SealedPrefix), DeriveKey(passphrase))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// MachineID returns a best-effort stable identifier for this machine.
func MachineID() string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "linux:" + id
				}
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
