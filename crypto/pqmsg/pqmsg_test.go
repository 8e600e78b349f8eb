// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package pqmsg

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeypair()
	require.NoError(err)

	plaintext := []byte("hello bob, this is alice")
	ciphertext, err := Encrypt(pub, plaintext)
	require.NoError(err)
	require.NotEmpty(ciphertext)

	got, err := Decrypt(priv, ciphertext)
	require.NoError(err)
	require.Equal(plaintext, got)

	// Two encryptions of the same plaintext never collide.
	other, err := Encrypt(pub, plaintext)
	require.NoError(err)
	require.NotEqual(ciphertext, other)
}

func TestDecryptFailureSentinel(t *testing.T) {
	require := require.New(t)

	pub, _, err := GenerateKeypair()
	require.NoError(err)
	_, wrongPriv, err := GenerateKeypair()
	require.NoError(err)

	ciphertext, err := Encrypt(pub, []byte("secret"))
	require.NoError(err)

	t.Run("WrongKey", func(t *testing.T) {
		_, err := Decrypt(wrongPriv, ciphertext)
		require.ErrorIs(err, ErrDecrypt)
	})

	t.Run("Corrupted", func(t *testing.T) {
		blob, err := base64.StdEncoding.DecodeString(ciphertext)
		require.NoError(err)
		blob[len(blob)-1] ^= 0xff
		_, err = Decrypt(wrongPriv, base64.StdEncoding.EncodeToString(blob))
		require.ErrorIs(err, ErrDecrypt)
	})

	t.Run("NotBase64", func(t *testing.T) {
		_, err := Decrypt(wrongPriv, "!!! not base64 !!!")
		require.ErrorIs(err, ErrDecrypt)
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := Decrypt(wrongPriv, base64.StdEncoding.EncodeToString([]byte("tiny")))
		require.ErrorIs(err, ErrDecrypt)
	})
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	require := require.New(t)

	pub, priv, err := GenerateKeypair()
	require.NoError(err)

	s := PublicKeyString(pub)
	require.NotEmpty(s)

	parsed, err := ParsePublicKey(s)
	require.NoError(err)

	// The parsed key must be usable for encryption against the original
	// private key.
	ciphertext, err := Encrypt(parsed, []byte("ping"))
	require.NoError(err)
	got, err := Decrypt(priv, ciphertext)
	require.NoError(err)
	require.Equal([]byte("ping"), got)
}

func TestLoadOrGenerateKeypair(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	pubPath := filepath.Join(dir, "id.public.pem")
	privPath := filepath.Join(dir, "id.private.pem")

	pub, _, err := LoadOrGenerateKeypair(pubPath, privPath)
	require.NoError(err)

	// A second load returns the persisted pair, not a fresh one.
	pub2, priv2, err := LoadOrGenerateKeypair(pubPath, privPath)
	require.NoError(err)
	require.Equal(PublicKeyString(pub), PublicKeyString(pub2))

	ciphertext, err := Encrypt(pub, []byte("persisted"))
	require.NoError(err)
	got, err := Decrypt(priv2, ciphertext)
	require.NoError(err)
	require.Equal([]byte("persisted"), got)
}
