// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/Oldmacintosh/PeerChat/core/log"
	"github.com/Oldmacintosh/PeerChat/server/config"
	"github.com/Oldmacintosh/PeerChat/server/internal/presence"
	"github.com/Oldmacintosh/PeerChat/server/storage"
)

// Glue is the access to the server internals shared by the listener and
// its sessions.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Store() *storage.Store
	Presence() *presence.Registry
}

// Listener is the interface exposed by a transport listener.
type Listener interface {
	Halt()
}
