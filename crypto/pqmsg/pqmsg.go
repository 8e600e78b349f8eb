// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package pqmsg provides the quantum-safe message encryption capability:
// an opaque encrypt/decrypt pair over per-user asymmetric keypairs.  A
// hybrid KEM encapsulation is sealed with ChaCha20-Poly1305, so arbitrary
// length plaintexts ride on a post-quantum shared secret.
package pqmsg

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SchemeName selects the KEM used for all message encryption.
const SchemeName = "MLKEM768-X25519"

var hkdfInfo = []byte("peerchat-message-key")

// ErrDecrypt is the error returned when a ciphertext cannot be opened with
// the given private key.  Corrupted data and key mismatch are
// indistinguishable to the caller.
var ErrDecrypt = errors.New("pqmsg: decryption failed")

// Scheme returns the KEM scheme instance.
func Scheme() kem.Scheme {
	s := schemes.ByName(SchemeName)
	if s == nil {
		panic("pqmsg: KEM scheme not found in registry: " + SchemeName)
	}
	return s
}

// GenerateKeypair creates a fresh keypair.
func GenerateKeypair() (kem.PublicKey, kem.PrivateKey, error) {
	return Scheme().GenerateKeyPair()
}

// LoadOrGenerateKeypair loads the keypair stored at pubPath/privPath,
// generating and persisting a new one if either file is missing.
func LoadOrGenerateKeypair(pubPath, privPath string) (kem.PublicKey, kem.PrivateKey, error) {
	s := Scheme()
	_, pubErr := os.Stat(pubPath)
	_, privErr := os.Stat(privPath)
	if pubErr == nil && privErr == nil {
		pub, err := kempem.FromPublicPEMFile(pubPath, s)
		if err != nil {
			return nil, nil, err
		}
		priv, err := kempem.FromPrivatePEMFile(privPath, s)
		if err != nil {
			return nil, nil, err
		}
		return pub, priv, nil
	}

	pub, priv, err := s.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if err = kempem.PublicKeyToFile(pubPath, pub); err != nil {
		return nil, nil, err
	}
	if err = kempem.PrivateKeyToFile(privPath, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// PublicKeyString returns the PEM encoding of pub, the form public keys
// take on the wire and in the database.
func PublicKeyString(pub kem.PublicKey) string {
	return kempem.ToPublicPEMString(pub)
}

// ParsePublicKey parses a PEM encoded public key.
func ParsePublicKey(s string) (kem.PublicKey, error) {
	return kempem.FromPublicPEMString(s, Scheme())
}

// Encrypt seals plaintext to the peer's public key.  The returned
// ciphertext is the base64 encoding of the KEM ciphertext, the AEAD nonce
// and the sealed payload.
func Encrypt(peerKey kem.PublicKey, plaintext []byte) (string, error) {
	kemCt, ss, err := Scheme().Encapsulate(peerKey)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(ss)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, len(kemCt)+len(nonce)+len(sealed))
	blob = append(blob, kemCt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the matching private
// key.  All failures collapse to ErrDecrypt.
func Decrypt(priv kem.PrivateKey, ciphertext string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	s := Scheme()
	if len(blob) < s.CiphertextSize()+chacha20poly1305.NonceSize {
		return nil, ErrDecrypt
	}
	kemCt := blob[:s.CiphertextSize()]
	nonce := blob[s.CiphertextSize() : s.CiphertextSize()+chacha20poly1305.NonceSize]
	sealed := blob[s.CiphertextSize()+chacha20poly1305.NonceSize:]

	ss, err := s.Decapsulate(priv, kemCt)
	if err != nil {
		return nil, ErrDecrypt
	}
	aead, err := newAEAD(ss)
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newAEAD(ss []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ss, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("pqmsg: key derivation failure: %v", err)
	}
	return chacha20poly1305.New(key)
}
