// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the relay's prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerchat_connections_accepted_total",
			Help: "Number of accepted transport connections",
		},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerchat_handshake_failures_total",
			Help: "Number of connections dropped during handshake",
		},
	)
	usersRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerchat_users_registered_total",
			Help: "Number of new user registrations",
		},
	)
	messagesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerchat_messages_stored_total",
			Help: "Number of messages persisted",
		},
	)
	messagesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerchat_messages_relayed_total",
			Help: "Number of messages relayed to an online peer",
		},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerchat_online_users",
			Help: "Number of users with a live session",
		},
	)
)

// Init registers the metrics and exposes them over HTTP at the given
// address.  An empty address disables the listener but still registers the
// metrics.
func Init(address string) {
	prometheus.MustRegister(connectionsAccepted)
	prometheus.MustRegister(handshakeFailures)
	prometheus.MustRegister(usersRegistered)
	prometheus.MustRegister(messagesStored)
	prometheus.MustRegister(messagesRelayed)
	prometheus.MustRegister(onlineUsers)

	if address == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(address, nil)
}

// ConnectionAccepted increments the accepted connection counter.
func ConnectionAccepted() {
	connectionsAccepted.Inc()
}

// HandshakeFailure increments the handshake failure counter.
func HandshakeFailure() {
	handshakeFailures.Inc()
}

// UserRegistered increments the registration counter.
func UserRegistered() {
	usersRegistered.Inc()
}

// MessageStored increments the stored message counter.
func MessageStored() {
	messagesStored.Inc()
}

// MessageRelayed increments the relayed message counter.
func MessageRelayed() {
	messagesRelayed.Inc()
}

// SetOnlineUsers records the current number of online users.
func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}
