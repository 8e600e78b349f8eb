// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements the relay server instance.
package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/Oldmacintosh/PeerChat/core/log"
	"github.com/Oldmacintosh/PeerChat/server/config"
	"github.com/Oldmacintosh/PeerChat/server/internal/glue"
	"github.com/Oldmacintosh/PeerChat/server/internal/incoming"
	"github.com/Oldmacintosh/PeerChat/server/internal/instrument"
	"github.com/Oldmacintosh/PeerChat/server/internal/presence"
	"github.com/Oldmacintosh/PeerChat/server/storage"
)

// ErrShutdown is the error returned when the server is halted.
var ErrShutdown = errors.New("server: shutdown requested")

// Server is a relay server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	store     *storage.Store
	presence  *presence.Registry
	listeners []glue.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("server: failed to rotate log file: %v", err)
		return
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	for _, l := range s.listeners {
		if l != nil {
			l.Halt()
		}
	}
	s.listeners = nil

	if s.store != nil {
		s.store.Close()
		s.store = nil
	}

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		presence:   presence.NewRegistry(),
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := os.MkdirAll(s.cfg.Server.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("server: failed to create data directory: %v", err)
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Server identifier: PeerChat relay")
	instrument.Init(s.cfg.Server.MetricsAddress)

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Errorf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	var err error

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Bring the store online.
	if s.store, err = storage.New(s.cfg.Server.Database()); err != nil {
		s.log.Errorf("Failed to initialize store: %v", err)
		return nil, err
	}

	// Bring the listeners online.
	g := &serverGlue{s}
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(g, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	isOk = true
	return s, nil
}

// serverGlue implements glue.Glue.
type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Store() *storage.Store {
	return g.s.store
}

func (g *serverGlue) Presence() *presence.Registry {
	return g.s.presence
}
