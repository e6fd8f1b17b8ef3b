// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Reference is a Provider backed by blake2b-256 digests and a
// ChaCha20-Poly1305 AEAD. It exists so this module is exercisable end to end
// in tests without a caller having to bring a full
// link-layer identity stack; it is not meant to be anyone's production link.
type Reference struct {
	aead cipher.AEAD
}

// NewReference builds a Reference provider from a 32-byte symmetric key. Pass
// a nil key to get a provider that hashes but never actually encrypts -
// useful for tests exercising the unencrypted flag path.
func NewReference(key []byte) (*Reference, error) {
	if key == nil {
		return &Reference{}, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("identity: reference key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: building aead: %w", err)
	}
	return &Reference{aead: aead}, nil
}

// FullHash implements Provider.
func (r *Reference) FullHash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Encrypt implements Provider. The nonce is prepended to the returned
// ciphertext.
func (r *Reference) Encrypt(plaintext []byte) ([]byte, error) {
	if r.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: drawing nonce: %w", err)
	}
	return r.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt implements Provider.
func (r *Reference) Decrypt(ciphertext []byte) ([]byte, error) {
	if r.aead == nil {
		return ciphertext, nil
	}
	n := r.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("identity: ciphertext shorter than nonce (%d < %d)", len(ciphertext), n)
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	plaintext, err := r.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypting: %w", err)
	}
	return plaintext, nil
}
