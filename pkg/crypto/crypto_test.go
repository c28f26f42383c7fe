package crypto

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

// Tests for secret sealing.

import (
	"strings"
	"testing"
)

func TestNewEncryptorRequiresPassphrase(t *testing.T) {
	if _, err := NewEncryptor(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
	enc, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if enc == nil {
		t.Fatal("nil encryptor")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	secrets := []string{
		"whsec_9f2c1ab84de07631",
		"ntfy_live_4e1cbb90aa217d48",
		"P@ss!#$%^&*()_+-=[]{}|;:,.<>?",
		strings.Repeat("k", 1000),
		"秘密キー🔐",
	}
	for _, secret := range secrets {
		sealed, err := enc.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", secret, err)
		}
		if sealed == secret {
			t.Fatalf("ciphertext equals plaintext for %q", secret)
		}
		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", secret, err)
		}
		if opened != secret {
			t.Fatalf("round trip: got %q, want %q", opened, secret)
		}
	}

	if _, err := enc.Encrypt(""); err == nil {
		t.Fatal("expected error for empty plaintext")
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	first, err := enc.Encrypt("whsec_9f2c1ab84de07631")
	if err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}
	second, err := enc.Encrypt("whsec_9f2c1ab84de07631")
	if err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}
	if first == second {
		t.Fatal("two seals of the same plaintext produced identical ciphertext")
	}
	for _, sealed := range []string{first, second} {
		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if opened != "whsec_9f2c1ab84de07631" {
			t.Fatalf("round trip: got %q", opened)
		}
	}
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	right, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	wrong, err := NewEncryptor("a-different-master-key")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	sealed, err := right.Encrypt("whsec_9f2c1ab84de07631")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := wrong.Decrypt(sealed); err == nil {
		t.Fatal("decrypt with wrong passphrase succeeded")
	}
	if _, err := right.Decrypt(sealed); err != nil {
		t.Fatalf("decrypt with right passphrase: %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	for _, bad := range []string{
		"",
		"not-base64!@#$",
		"dGVzdA==", // base64 but shorter than a nonce
		"dGhpcyBpcyBhIGxvbmdlciB0ZXN0IHN0cmluZyBidXQgbm90IGVuY3J5cHRlZA==",
	} {
		if _, err := enc.Decrypt(bad); err == nil {
			t.Fatalf("Decrypt(%q) succeeded on invalid input", bad)
		}
	}
}

func TestIsEncrypted(t *testing.T) {
	enc, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	sealed, err := enc.Encrypt("whsec_9f2c1ab84de07631")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cases := []struct {
		value string
		want  bool
	}{
		{sealed, true},
		{"whsec_9f2c1ab84de07631", false},
		{"", false},
		{"not-base64!@#$", false},
		{"dGVzdA==", false},
	}
	for _, tc := range cases {
		if got := IsEncrypted(tc.value); got != tc.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func BenchmarkEncrypt(b *testing.B) {
	enc, err := NewEncryptor("master-key-for-tests")
	if err != nil {
		b.Fatalf("NewEncryptor: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := enc.Encrypt("whsec_9f2c1ab84de07631"); err != nil {
			b.Fatalf("Encrypt: %v", err)
		}
	}
}
