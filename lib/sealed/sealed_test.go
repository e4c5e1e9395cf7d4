// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testSecret = "aB3dE6gH9jK2mN5pQ8sT1vW4yZ7bC0eF"

func TestEncryptDecryptRoundtrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte(`{"context":"dummy","type":"echo","actor":{"id":"a@b"}}`),
		bytes.Repeat([]byte("x"), 16),
		bytes.Repeat([]byte("y"), 1000),
	}
	for _, payload := range payloads {
		ciphertext, err := Encrypt(payload, testSecret)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(payload), err)
		}
		if !strings.Contains(ciphertext, ":") {
			t.Errorf("ciphertext %q has no iv separator", ciphertext)
		}
		plaintext, err := Decrypt(ciphertext, testSecret)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", len(payload), err)
		}
		if !bytes.Equal(plaintext, payload) {
			t.Errorf("roundtrip mismatch for %d-byte payload", len(payload))
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	first, err := Encrypt([]byte("same"), testSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := Encrypt([]byte("same"), testSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if first == second {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestSecretLength(t *testing.T) {
	for _, secret := range []string{"", "short", testSecret + "x", testSecret[:31]} {
		if _, err := Encrypt([]byte("x"), secret); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("Encrypt with %d-byte secret: error = %v, want ErrInvalidKeyLength", len(secret), err)
		}
		if _, err := Decrypt("00:00", secret); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("Decrypt with %d-byte secret: error = %v, want ErrInvalidKeyLength", len(secret), err)
		}
	}
}

func TestDecryptMalformed(t *testing.T) {
	valid, err := Encrypt([]byte("payload"), testSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ivHex, ciphertextHex, _ := strings.Cut(valid, ":")

	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "deadbeef"},
		{"bad iv hex", "zz:" + ciphertextHex},
		{"short iv", "00ff:" + ciphertextHex},
		{"bad ciphertext hex", ivHex + ":zz"},
		{"empty ciphertext", ivHex + ":"},
		{"unaligned ciphertext", ivHex + ":" + ciphertextHex[:10]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Decrypt(test.input, testSecret); !errors.Is(err, ErrDecryption) {
				t.Errorf("Decrypt(%q) error = %v, want ErrDecryption", test.input, err)
			}
		})
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	ciphertext, err := Encrypt([]byte(`{"secret":"value"}`), testSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	other := strings.Repeat("z", SecretLength)
	plaintext, err := Decrypt(ciphertext, other)
	if err == nil && bytes.Equal(plaintext, []byte(`{"secret":"value"}`)) {
		t.Error("decrypting with the wrong secret recovered the plaintext")
	}
}

func TestHash(t *testing.T) {
	first := Hash("dummya@b")
	if len(first) != HashLength {
		t.Errorf("Hash length = %d, want %d", len(first), HashLength)
	}
	if first != Hash("dummya@b") {
		t.Error("Hash is not deterministic")
	}
	if first == Hash("dummyc@d") {
		t.Error("different inputs produced the same hash")
	}
}

func TestObjectHashKeyOrder(t *testing.T) {
	first := map[string]any{"nick": "alice", "server": "irc.example.org", "port": 6697}
	second := map[string]any{"port": 6697, "server": "irc.example.org", "nick": "alice"}

	a, err := ObjectHash(first)
	if err != nil {
		t.Fatalf("ObjectHash: %v", err)
	}
	b, err := ObjectHash(second)
	if err != nil {
		t.Fatalf("ObjectHash: %v", err)
	}
	if a != b {
		t.Errorf("ObjectHash depends on key order: %s != %s", a, b)
	}

	first["password"] = "changed"
	c, err := ObjectHash(first)
	if err != nil {
		t.Fatalf("ObjectHash: %v", err)
	}
	if c == a {
		t.Error("ObjectHash did not change when an entry was added")
	}
}

func TestRandToken(t *testing.T) {
	for _, length := range []int{0, 1, 16, 32} {
		token, err := RandToken(length)
		if err != nil {
			t.Fatalf("RandToken(%d): %v", length, err)
		}
		if len(token) != length {
			t.Errorf("RandToken(%d) length = %d", length, len(token))
		}
	}

	first, _ := RandToken(16)
	second, _ := RandToken(16)
	if first == second {
		t.Error("two tokens were identical")
	}

	if _, err := RandToken(33); !errors.Is(err, ErrArgument) {
		t.Errorf("RandToken(33) error = %v, want ErrArgument", err)
	}
}
