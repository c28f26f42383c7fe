// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package crypto seals the platform's stored credentials — webhook signing
// secrets and notification gateway keys — and redacts them for logging.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the GCM nonce length prepended to every ciphertext.
	NonceSize = 12
	// KeySize is the derived AES-256 key length.
	KeySize = 32
	// Iterations is the PBKDF2 work factor.
	Iterations = 100000
)

// Encryptor seals secrets for storage in the settings table. All values
// share one key derived from the master passphrase, so rotating the
// passphrase means re-sealing every stored secret.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives the sealing key from the master passphrase.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}

	// The salt must be deterministic: the same passphrase has to rebuild
	// the same key across restarts to open previously sealed values.
	salt := sha256.Sum256([]byte("camforge-secrets-" + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], Iterations, KeySize, sha256.New)

	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext), safe for a TEXT settings column.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := make([]byte, len(nonce)+len(sealed))
	copy(combined, nonce)
	copy(combined[len(nonce):], sealed)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", errors.New("encrypted text cannot be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(combined) < gcm.NonceSize() {
		return "", errors.New("encrypted text too short")
	}

	nonce := combined[:gcm.NonceSize()]
	ciphertext := combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value looks like Encrypt output:
// valid base64 at least nonce+tag long. It is a heuristic — real gateway
// secrets carry prefixes and separators that never decode as base64 — and
// lets databases seeded with plaintext secrets keep working after a master
// passphrase is introduced.
func IsEncrypted(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= NonceSize+16
}
