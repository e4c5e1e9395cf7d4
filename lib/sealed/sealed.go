// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/sockethub/lib/codec"
)

// SecretLength is the required length of every encryption secret, in
// bytes. AES-256 keys are 32 bytes.
const SecretLength = 32

// HashLength is the number of hex characters returned by Hash.
const HashLength = 7

// MaxTokenLength is the longest token RandToken can produce.
const MaxTokenLength = 32

var (
	// ErrInvalidKeyLength is returned when a secret is not exactly
	// SecretLength bytes.
	ErrInvalidKeyLength = errors.New("secret must be 32 chars")

	// ErrDecryption is returned for malformed ciphertext or a wrong
	// secret. The underlying cause is wrapped.
	ErrDecryption = errors.New("decryption failed")

	// ErrArgument is returned by RandToken for lengths above
	// MaxTokenLength.
	ErrArgument = errors.New("invalid argument")
)

// Encrypt encrypts plaintext with AES-256-CBC under secret and returns
// "<hex iv>:<hex ciphertext>". A fresh random IV is used for every call,
// so encrypting the same plaintext twice yields different strings.
func Encrypt(plaintext []byte, secret string) (string, error) {
	block, err := newBlock(secret)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Any structural problem (missing separator,
// bad hex, wrong block size, bad padding) is reported as ErrDecryption.
// A wrong secret almost always surfaces as a padding failure; when it
// does not, the caller's JSON decode of the garbage plaintext fails.
func Decrypt(text string, secret string) ([]byte, error) {
	block, err := newBlock(secret)
	if err != nil {
		return nil, err
	}

	ivHex, ciphertextHex, found := strings.Cut(text, ":")
	if !found {
		return nil, fmt.Errorf("%w: missing iv separator", ErrDecryption)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iv: %v", ErrDecryption, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrDecryption, len(iv), aes.BlockSize)
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", ErrDecryption, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrDecryption, len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

// Hash returns the first HashLength hex characters of the BLAKE3
// digest of text. Used for platform instance identifiers.
func Hash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// ObjectHash returns a hex BLAKE3 digest of the deterministic CBOR
// encoding of value. Map key order does not affect the result, so two
// credentials objects with the same fields hash identically however
// they were built.
func ObjectHash(value any) (string, error) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encoding object for hashing: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// RandToken returns a random hex token of the given length. Lengths
// above MaxTokenLength fail with ErrArgument.
func RandToken(length int) (string, error) {
	if length < 0 || length > MaxTokenLength {
		return "", fmt.Errorf("%w: token length %d exceeds %d", ErrArgument, length, MaxTokenLength)
	}
	raw := make([]byte, MaxTokenLength/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(raw)[:length], nil
}

// CheckSecret reports ErrInvalidKeyLength unless secret is exactly
// SecretLength bytes. Constructors call it before touching the network.
func CheckSecret(secret string) error {
	if len(secret) != SecretLength {
		return fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(secret))
	}
	return nil
}

func newBlock(secret string) (cipher.Block, error) {
	if err := CheckSecret(secret); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return block, nil
}

// pad applies PKCS#7 padding. A full block of padding is added when the
// input is already block aligned, so unpad is unambiguous.
func pad(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func unpad(data []byte) ([]byte, error) {
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}
	return data[:len(data)-padding], nil
}
