// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// keyEnvVar names the environment variable holding the encryption key
// material: either a base64-encoded 32-byte key or a passphrase.
const keyEnvVar = "PLUGIND_CONFIG_KEY"

// pbkdf2Iterations follows the OWASP recommendation for PBKDF2-SHA256.
const pbkdf2Iterations = 600000

var keySalt = []byte("plugind.config.v1")

// Cipher encrypts sensitive config values at rest with AES-256-GCM.
// A nil *Cipher is a valid no-encryption state: Decrypt and Encrypt
// return errors, callers check Enabled first.
type Cipher struct {
	key []byte
}

// LoadCipher builds a Cipher from the environment. Returns (nil, nil)
// when no key is configured, which disables encrypted config fields.
func LoadCipher() (*Cipher, error) {
	keyStr := os.Getenv(keyEnvVar)
	if keyStr == "" {
		return nil, nil
	}

	keyBytes, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil || len(keyBytes) != 32 {
		// Not a raw key, treat the string as a passphrase.
		keyBytes = pbkdf2.Key([]byte(keyStr), keySalt, pbkdf2Iterations, 32, sha256.New)
	}

	return &Cipher{key: keyBytes}, nil
}

// NewCipher builds a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// GenerateKey returns a fresh random 32-byte key, base64-encoded for
// storage in the environment.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Enabled reports whether encryption is available.
func (c *Cipher) Enabled() bool {
	return c != nil
}

// Encrypt seals plaintext with AES-256-GCM and returns base64 with the
// nonce prepended.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	if c == nil {
		return "", fmt.Errorf("encryption key not configured (set %s)", keyEnvVar)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("encryption key not configured (set %s)", keyEnvVar)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
