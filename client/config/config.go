// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the client configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress        = "tcp://127.0.0.1:8080"
	defaultLogLevel       = "NOTICE"
	defaultConnectTimeout = 30 // seconds
	defaultMaxWorkers     = 4
)

// Server describes the relay server to connect to.
type Server struct {
	// Address is the server address specified by a URL, e.g.
	// tcp://192.0.2.1:8080 or quic://192.0.2.1:8080.
	Address string
}

func (sCfg *Server) validate() error {
	u, err := url.Parse(sCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Server: Address '%v' is invalid: %v", sCfg.Address, err)
	}
	switch u.Scheme {
	case "tcp", "quic":
	default:
		return fmt.Errorf("config: Server: Address '%v' has unsupported scheme '%v'", sCfg.Address, u.Scheme)
	}
	return nil
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
}

// Client is the local client configuration.
type Client struct {
	// DataDir is the absolute path to the client's state directory,
	// holding the keypair and the conversation cache.
	DataDir string

	// MaxWorkers caps the crypto offload pool size.
	MaxWorkers int
}

func (cCfg *Client) validate() error {
	if cCfg.DataDir == "" {
		return fmt.Errorf("config: Client: DataDir is not set")
	}
	if !filepath.IsAbs(cCfg.DataDir) {
		return fmt.Errorf("config: Client: DataDir '%v' is not an absolute path", cCfg.DataDir)
	}
	return nil
}

func (cCfg *Client) applyDefaults() {
	if cCfg.MaxWorkers <= 0 {
		cCfg.MaxWorkers = defaultMaxWorkers
	}
}

// PublicKeyFile returns the path of the PEM encoded public key.
func (cCfg *Client) PublicKeyFile() string {
	return filepath.Join(cCfg.DataDir, "client.public.pem")
}

// PrivateKeyFile returns the path of the PEM encoded private key.
func (cCfg *Client) PrivateKeyFile() string {
	return filepath.Join(cCfg.DataDir, "client.private.pem")
}

// CacheFile returns the path of the conversation cache database.
func (cCfg *Client) CacheFile() string {
	return filepath.Join(cCfg.DataDir, "cache.db")
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := map[string]bool{
		"ERROR":   true,
		"WARNING": true,
		"NOTICE":  true,
		"INFO":    true,
		"DEBUG":   true,
	}
	if !lvl[lCfg.Level] {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

func (lCfg *Logging) applyDefaults() {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
}

// Debug is the debug configuration.
type Debug struct {
	// DebugIdentity substitutes the fixed identity sentinel for the MAC
	// address, so several clients can run on one machine.
	DebugIdentity bool

	// ConnectTimeout is the dial and handshake deadline in seconds.
	ConnectTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
}

// Config is the top level client configuration.
type Config struct {
	Server  *Server
	Client  *Client
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Client == nil {
		return fmt.Errorf("config: No Client block was present")
	}
	if cfg.Server == nil {
		cfg.Server = new(Server)
	}
	if cfg.Logging == nil {
		cfg.Logging = new(Logging)
	}
	if cfg.Debug == nil {
		cfg.Debug = new(Debug)
	}

	cfg.Server.applyDefaults()
	cfg.Client.applyDefaults()
	cfg.Logging.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Client.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
