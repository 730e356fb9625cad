package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const encPrefix = "enc:"

// SecretKey encrypts transcriber credentials at rest with AES-256-GCM.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from CALLPIPE_SECRET_KEY, or loads (creating
// on first use) a random key at ~/.callpipe/secret.key.
func NewSecretKey() (*SecretKey, error) {
	if raw := os.Getenv("CALLPIPE_SECRET_KEY"); raw != "" {
		return NewSecretKeyFromPassphrase(raw), nil
	}
	return LoadSecretKeyFile(filepath.Join(homeDir(), ".callpipe", "secret.key"))
}

// NewSecretKeyFromPassphrase hashes an operator-supplied passphrase into a key.
func NewSecretKeyFromPassphrase(passphrase string) *SecretKey {
	h := sha256.Sum256([]byte(passphrase))
	return &SecretKey{key: h[:]}
}

// LoadSecretKeyFile reads a 32 byte key from path, generating it if absent.
func LoadSecretKeyFile(keyPath string) (*SecretKey, error) {
	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
		return &SecretKey{key: data[:32]}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

// IsEncrypted reports whether v carries the "enc:" prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, encPrefix)
}

// Encrypt returns "enc:" followed by base64(nonce || ciphertext).
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Values without the prefix pass through.
func (s *SecretKey) Decrypt(encrypted string) (string, error) {
	if !IsEncrypted(encrypted) {
		return encrypted, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

func (s *SecretKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// MaskSecret keeps the last four characters: "****abcd".
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return os.TempDir()
}
