// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the relay server configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress          = "tcp://0.0.0.0:8080"
	defaultLogLevel         = "NOTICE"
	defaultHandshakeTimeout = 30 // seconds
	defaultDatabase         = "peerchat.db"
)

// Server is the relay server configuration.
type Server struct {
	// Addresses are the listener addresses specified by a URL, e.g.
	// tcp://0.0.0.0:8080 or quic://0.0.0.0:8080.
	Addresses []string

	// DataDir is the absolute path to the server's state directory.
	DataDir string

	// MetricsAddress is the listen address of the prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddress string
}

func (sCfg *Server) validate() error {
	if sCfg.DataDir == "" {
		return fmt.Errorf("config: Server: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "quic":
		default:
			return fmt.Errorf("config: Server: Address '%v' has unsupported scheme '%v'", v, u.Scheme)
		}
	}
	return nil
}

func (sCfg *Server) applyDefaults() {
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
}

// Database returns the path of the sqlite database file.
func (sCfg *Server) Database() string {
	return filepath.Join(sCfg.DataDir, defaultDatabase)
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
	// HandshakeTimeout is the handshake deadline in seconds.  Once a
	// session is authenticated no deadline applies.
	HandshakeTimeout int

	// AllowAnyVersion skips the protocol version whitelist check, for
	// testing against development clients.
	AllowAnyVersion bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Config is the top level server configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return fmt.Errorf("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = new(Logging)
	}
	if cfg.Debug == nil {
		cfg.Debug = new(Debug)
	}

	cfg.Server.applyDefaults()
	cfg.Logging.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
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
