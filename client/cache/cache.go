// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package cache implements the local conversation cache: a persistent
// ciphertext to plaintext mapping per chat, plus the known peer public
// keys.  A cached decryption failure is recorded explicitly, so resync
// never retries ciphertexts that are known to be undecryptable.
package cache

import (
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

const peerKeysBucket = "peer_keys"

// Value encoding: a leading marker byte distinguishes a recorded
// decryption failure from a cached plaintext.
const (
	markerFailed byte = 0
	markerPlain  byte = 1
)

// Cache is the on-disk conversation cache.
type Cache struct {
	db *bolt.DB
}

// Open opens (or creates) the cache database at path f.
func Open(f string) (*Cache, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(peerKeysBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put records the outcome of decrypting ciphertext in the chat's bucket.
// A nil plaintext records a decryption failure.
func (c *Cache) Put(chatID, ciphertext string, plaintext []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return err
		}
		if plaintext == nil {
			return bkt.Put([]byte(ciphertext), []byte{markerFailed})
		}
		v := make([]byte, 0, 1+len(plaintext))
		v = append(v, markerPlain)
		v = append(v, plaintext...)
		return bkt.Put([]byte(ciphertext), v)
	})
}

// Get looks the ciphertext up in the chat's bucket.  ok reports whether an
// outcome is recorded at all; a recorded failure returns (nil, true, nil).
func (c *Cache) Get(chatID, ciphertext string) (plaintext []byte, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(chatID))
		if bkt == nil {
			return nil
		}
		v := bkt.Get([]byte(ciphertext))
		if v == nil {
			return nil
		}
		ok = true
		switch v[0] {
		case markerFailed:
		case markerPlain:
			plaintext = make([]byte, len(v)-1)
			copy(plaintext, v[1:])
		default:
			return fmt.Errorf("cache: malformed entry marker 0x%02x", v[0])
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return
}

// PutPeerKey stores a peer's public key.
func (c *Cache) PutPeerKey(peerID uint64, key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peerKeysBucket))
		return bkt.Put(peerKeyID(peerID), []byte(key))
	})
}

// PeerKey returns a peer's stored public key, if known.
func (c *Cache) PeerKey(peerID uint64) (string, bool) {
	var key string
	var ok bool
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(peerKeysBucket)).Get(peerKeyID(peerID))
		if v != nil {
			key, ok = string(v), true
		}
		return nil
	})
	return key, ok
}

func peerKeyID(peerID uint64) []byte {
	return []byte(strconv.FormatUint(peerID, 10))
}
