// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the relay client: session establishment,
// chat synchronization, the background receive loop and the crypto
// offload plumbing behind it.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/katzenpost/hpqc/kem"
	"gopkg.in/op/go-logging.v1"

	"github.com/Oldmacintosh/PeerChat/client/cache"
	"github.com/Oldmacintosh/PeerChat/client/config"
	"github.com/Oldmacintosh/PeerChat/client/cryptoworker"
	"github.com/Oldmacintosh/PeerChat/core/log"
	"github.com/Oldmacintosh/PeerChat/crypto/pqmsg"
	"github.com/Oldmacintosh/PeerChat/wire"
)

// Client is the long lived client instance: the keypair, the conversation
// cache and the crypto offload pool.  Sessions come and go; the Client
// persists across reconnects.
type Client struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	pub  kem.PublicKey
	priv kem.PrivateKey

	pool  *cryptoworker.Pool
	cache *cache.Cache
}

// New constructs a Client from the provided configuration: it brings up
// logging, loads or generates the keypair and opens the conversation
// cache.
func New(cfg *config.Config) (*Client, error) {
	c := &Client{cfg: cfg}

	if err := os.MkdirAll(cfg.Client.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("client: failed to create data directory: %v", err)
	}

	var err error
	p := cfg.Logging.File
	if !cfg.Logging.Disable && p != "" && !strings.HasPrefix(p, "/") {
		p = cfg.Client.DataDir + "/" + p
	}
	if c.logBackend, err = log.New(p, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
		return nil, err
	}
	c.log = c.logBackend.GetLogger("client")

	if c.pub, c.priv, err = pqmsg.LoadOrGenerateKeypair(cfg.Client.PublicKeyFile(), cfg.Client.PrivateKeyFile()); err != nil {
		return nil, err
	}
	if c.cache, err = cache.Open(cfg.Client.CacheFile()); err != nil {
		return nil, err
	}
	c.pool = cryptoworker.New(c.logBackend, c.priv, cfg.Client.MaxWorkers)

	c.log.Noticef("Client initialized, identity: %s", c.identity())
	return c, nil
}

// Shutdown tears the Client down: the crypto pool is halted and the cache
// is closed.  Any live Session must be shut down first.
func (c *Client) Shutdown() {
	c.pool.Halt()
	c.cache.Close()
}

// LogBackend returns the log backend, so embedding applications can
// attach their own module loggers.
func (c *Client) LogBackend() *log.Backend {
	return c.logBackend
}

// Cache returns the conversation cache.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// PublicKeyPEM returns the PEM encoding of the client's public key, the
// form it takes on the wire.
func (c *Client) PublicKeyPEM() string {
	return pqmsg.PublicKeyString(c.pub)
}

// identity returns the token identifying this physical client to the
// server: the MAC address, or the debug sentinel.
func (c *Client) identity() string {
	if c.cfg.Debug.DebugIdentity {
		return wire.DebugIdentity
	}
	mac, err := macAddress()
	if err != nil {
		// No usable interface; fall back to the sentinel rather than
		// refusing to start.
		return wire.DebugIdentity
	}
	return mac
}

func macAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", errors.New("client: no interface with a hardware address")
}
