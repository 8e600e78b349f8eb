// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package presence tracks which users currently have a live session, and
// maps user ids to the session able to deliver commands to them.
package presence

import (
	"sync"

	"github.com/Oldmacintosh/PeerChat/wire/commands"
)

// Session is the handle the registry keeps per online user.  Relay
// enqueues a command for delivery on the session's transport and reports
// whether the session accepted it.
type Session interface {
	Relay(cmd commands.Command) bool
}

// Registry is the online-user map.  At most one session is registered per
// user id; a newer registration for the same id displaces the older one.
type Registry struct {
	sync.Mutex

	sessions map[uint64]Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]Session)}
}

// Set marks the user as online, served by s.
func (r *Registry) Set(userID uint64, s Session) {
	r.Lock()
	defer r.Unlock()
	r.sessions[userID] = s
}

// Get returns the session serving the user, if any.
func (r *Registry) Get(userID uint64) (Session, bool) {
	r.Lock()
	defer r.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove marks the user offline, but only if s is still the registered
// session.  A session that was displaced by a reconnect must not tear down
// its successor's registration on the way out.
func (r *Registry) Remove(userID uint64, s Session) {
	r.Lock()
	defer r.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
	}
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.sessions)
}
