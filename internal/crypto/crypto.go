// Package crypto protects credentials kept on the device. Values are sealed
// with AES-256-GCM under a key derived from the machine identity.
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

	"golang.org/x/crypto/hkdf"
)

// keySalt versions the derived device key.
var keySalt = []byte("medportal/vault/v1")

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// Encrypt seals plaintext with AES-256-GCM. The AES key is SHA-256(key); the
// result is base64(nonce || ciphertext).
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrInvalidKey
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt opens a value produced by Encrypt with the same key.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
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
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a stable 32-byte key from a machine identifier with
// HKDF-SHA256.
func DeriveKey(machineID string) []byte {
	key := make([]byte, 32)
	// HKDF can produce up to 255 hash lengths; 32 bytes never fails.
	_, _ = io.ReadFull(hkdf.New(sha256.New, []byte(machineID), keySalt, []byte("device")), key)
	return key
}

// MachineKey returns the key for this device.
func MachineKey() []byte {
	return DeriveKey(machineIdentifier())
}

// machineIdentifier returns the systemd machine id when available and the
// hostname otherwise.
func machineIdentifier() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return runtime.GOOS + ":" + id
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
