// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oldmacintosh/PeerChat/core/log"
	"github.com/Oldmacintosh/PeerChat/server/config"
	"github.com/Oldmacintosh/PeerChat/server/internal/presence"
	"github.com/Oldmacintosh/PeerChat/server/storage"
	"github.com/Oldmacintosh/PeerChat/wire"
	"github.com/Oldmacintosh/PeerChat/wire/commands"
)

func TestUsernameAllowed(t *testing.T) {
	assert := assert.New(t)

	for _, tc := range []struct {
		username string
		ok       bool
	}{
		{"alice", true},
		{"alice92", true},
		{"alice bob", true},
		{"alice@work", true},
		{"_alice_", true},
		{"", false},
		{"___", false},
		{"@ _", false},
		{"alice!", false},
		{"alice\n", false},
		{strings.Repeat("a", maxUsernameLength), true},
		{strings.Repeat("a", maxUsernameLength+1), false},
	} {
		assert.Equal(tc.ok, usernameAllowed(tc.username), "username %q", tc.username)
	}
}

type testGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
	store      *storage.Store
	reg        *presence.Registry
}

func (g *testGlue) Config() *config.Config       { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend     { return g.logBackend }
func (g *testGlue) Store() *storage.Store        { return g.store }
func (g *testGlue) Presence() *presence.Registry { return g.reg }

func newTestListener(t *testing.T) (*listener, string) {
	require := require.New(t)
	dir := t.TempDir()

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(err)
	t.Cleanup(func() { store.Close() })

	g := &testGlue{
		cfg: &config.Config{
			Server:  &config.Server{DataDir: dir},
			Logging: &config.Logging{Disable: true, Level: "DEBUG"},
			Debug:   &config.Debug{HandshakeTimeout: 10},
		},
		logBackend: logBackend,
		store:      store,
		reg:        presence.NewRegistry(),
	}

	nl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	l := &listener{
		glue:       g,
		log:        logBackend.GetLogger("listener: test"),
		l:          nl,
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}
	l.Go(l.worker)
	t.Cleanup(l.Halt)
	return l, nl.Addr().String()
}

// testClient speaks the client side of the protocol against a listener.
type testClient struct {
	t *testing.T
	c net.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &testClient{t: t, c: c}
}

func (tc *testClient) sendTag(tag string) {
	_, err := tc.c.Write([]byte(tag))
	require.NoError(tc.t, err)
}

func (tc *testClient) sendText(s string) {
	require.NoError(tc.t, wire.SendText(tc.c, s))
}

func (tc *testClient) recvText() string {
	s, err := wire.RecvServerText(tc.c)
	require.NoError(tc.t, err)
	return s
}

func (tc *testClient) send(cmd commands.Command) {
	require.NoError(tc.t, wire.SendCommand(tc.c, cmd))
}

func (tc *testClient) recv() commands.Command {
	cmd, err := wire.RecvServerCommand(tc.c)
	require.NoError(tc.t, err)
	return cmd
}

// register drives a fresh client through handshake and registration and
// returns the welcome.
func (tc *testClient) register(mac, key, username string) *commands.Welcome {
	require := require.New(tc.t)

	tc.sendTag(wire.VersionTag(wire.CurrentVersion))
	require.Equal(wire.StatusConnected, tc.recvText())
	tc.sendText(mac)
	tc.sendText(key)
	require.Equal(wire.StatusUnregistered, tc.recvText())
	tc.sendText(username)
	require.Equal(wire.StatusUsernameAccepted, tc.recvText())

	w, ok := tc.recv().(*commands.Welcome)
	require.True(ok)
	require.Equal(username, w.Username)
	return w
}

func TestHandshakeRejectsUnknownVersion(t *testing.T) {
	_, addr := newTestListener(t)
	tc := dialTestClient(t, addr)

	tc.sendTag("PeerChat_v0.0.1x")
	// The server drops the connection without any reply.
	_, err := wire.RecvServerText(tc.c)
	require.Error(t, err)
}

func TestHandshakeAllowAnyVersion(t *testing.T) {
	require := require.New(t)
	l, addr := newTestListener(t)
	l.glue.Config().Debug.AllowAnyVersion = true

	tc := dialTestClient(t, addr)
	tc.sendTag("PeerChat_v10.0.0-dev")
	require.Equal(wire.StatusConnected, tc.recvText())

	// The tag length differs from the whitelisted ones; the framed
	// exchange that follows must not be shifted by the leftover bytes.
	tc.sendText("cc:03")
	tc.sendText("kc")
	require.Equal(wire.StatusUnregistered, tc.recvText())
	tc.sendText("carol")
	require.Equal(wire.StatusUsernameAccepted, tc.recvText())
	w, ok := tc.recv().(*commands.Welcome)
	require.True(ok)
	require.Equal("carol", w.Username)
}

func TestRegistrationFlow(t *testing.T) {
	require := require.New(t)
	_, addr := newTestListener(t)
	tc := dialTestClient(t, addr)

	tc.sendTag(wire.VersionTag(wire.CurrentVersion))
	require.Equal(wire.StatusConnected, tc.recvText())
	tc.sendText("aa:bb:cc:dd:ee:01")
	tc.sendText("key-1")
	require.Equal(wire.StatusUnregistered, tc.recvText())

	// Validation failures are retryable, the session survives them.
	tc.sendText("!!bad!!")
	require.Equal(wire.MsgInvalidUsername, tc.recvText())
	tc.sendText("_@ ")
	require.Equal(wire.MsgInvalidUsername, tc.recvText())
	tc.sendText("alice")
	require.Equal(wire.StatusUsernameAccepted, tc.recvText())

	w, ok := tc.recv().(*commands.Welcome)
	require.True(ok)
	require.Equal("alice", w.Username)
	require.NotZero(w.UserID)

	// A fresh registration gets no sync stream; the session is active
	// immediately.
	tc.send(&commands.SearchPeer{Username: "ali"})
	reply, ok := tc.recv().(*commands.SearchPeerReply)
	require.True(ok)
	require.Len(reply.Users, 1)
	require.Equal("alice", reply.Users[0].Username)
	require.Equal("key-1", reply.Users[0].Key)
}

func TestDuplicateUsernameRace(t *testing.T) {
	require := require.New(t)
	_, addr := newTestListener(t)

	alice := dialTestClient(t, addr)
	alice.register("aa:01", "ka", "alice")

	// A second physical client submitting the identical name is told the
	// name is taken and may retry.
	other := dialTestClient(t, addr)
	other.sendTag(wire.VersionTag(wire.CurrentVersion))
	require.Equal(wire.StatusConnected, other.recvText())
	other.sendText("bb:02")
	other.sendText("kb")
	require.Equal(wire.StatusUnregistered, other.recvText())
	other.sendText("alice")
	require.Equal(wire.MsgUsernameTaken, other.recvText())
	other.sendText("Alice")
	require.Equal(wire.StatusUsernameAccepted, other.recvText())
	w, ok := other.recv().(*commands.Welcome)
	require.True(ok)
	require.Equal("Alice", w.Username)
}

func TestChatAndRelay(t *testing.T) {
	require := require.New(t)
	_, addr := newTestListener(t)

	alice := dialTestClient(t, addr)
	aliceW := alice.register("aa:01", "ka", "alice")
	bob := dialTestClient(t, addr)
	bobW := bob.register("bb:02", "kb", "bob")

	// Bob opens the chat; both sides get participant-relative
	// notifications.
	bob.send(&commands.CreateChat{PeerID: aliceW.UserID})

	bobNote, ok := bob.recv().(*commands.ChatCreated)
	require.True(ok)
	require.True(bobNote.IsUser1)
	require.Equal(aliceW.UserID, bobNote.PeerID)
	require.Equal("alice", bobNote.PeerUsername)
	require.Equal("ka", bobNote.PeerKey)

	aliceNote, ok := alice.recv().(*commands.ChatCreated)
	require.True(ok)
	require.False(aliceNote.IsUser1)
	require.Equal(bobW.UserID, aliceNote.PeerID)
	require.Equal(bobNote.ChatID, aliceNote.ChatID)

	chatID := bobNote.ChatID

	t.Run("Relay", func(t *testing.T) {
		bob.send(&commands.SendMessage{ChatID: chatID, PeerID: aliceW.UserID, Ciphertext: "ct-hello"})
		rm, ok := alice.recv().(*commands.ReceiveMessage)
		require.True(ok)
		require.Equal(chatID, rm.ChatID)
		require.Equal(bobW.UserID, rm.Message.SenderID)
		require.Equal("ct-hello", rm.Message.Ciphertext)
		require.True(rm.Message.Unread)
	})

	t.Run("PairReuse", func(t *testing.T) {
		// Alice asking for the same pair resurfaces the existing chat,
		// with her side of the participant-relative fields.
		alice.send(&commands.CreateChat{PeerID: bobW.UserID})
		note, ok := alice.recv().(*commands.ChatCreated)
		require.True(ok)
		require.Equal(chatID, note.ChatID)
		require.False(note.IsUser1)

		echo, ok := bob.recv().(*commands.ChatCreated)
		require.True(ok)
		require.Equal(chatID, echo.ChatID)
		require.True(echo.IsUser1)
	})
}

func TestOfflinePeerSpool(t *testing.T) {
	require := require.New(t)
	l, addr := newTestListener(t)

	alice := dialTestClient(t, addr)
	aliceW := alice.register("aa:01", "ka", "alice")
	bob := dialTestClient(t, addr)
	bobW := bob.register("bb:02", "kb", "bob")

	bob.send(&commands.CreateChat{PeerID: aliceW.UserID})
	bobNote, ok := bob.recv().(*commands.ChatCreated)
	require.True(ok)
	alice.recv() // chat notification
	chatID := bobNote.ChatID

	// Alice disconnects; wait for her presence entry to go away so the
	// send below takes the offline branch.
	alice.c.Close()
	reg := l.glue.Presence()
	require.Eventually(func() bool {
		_, online := reg.Get(aliceW.UserID)
		return !online
	}, 10*time.Second, 10*time.Millisecond)

	bob.send(&commands.SendMessage{ChatID: chatID, PeerID: aliceW.UserID, Ciphertext: "ct-offline"})
	// The session loop processes commands in order; a served search reply
	// means the message is persisted.
	bob.send(&commands.SearchPeer{Username: "alice"})
	_, ok = bob.recv().(*commands.SearchPeerReply)
	require.True(ok)

	// The message was spooled, not delivered: alice's reconnect sync
	// carries exactly one row, still unread.
	again := dialTestClient(t, addr)
	again.sendTag(wire.VersionTag(wire.CurrentVersion))
	require.Equal(wire.StatusConnected, again.recvText())
	again.sendText("aa:01")
	again.sendText("ka")
	require.Equal(wire.StatusRegistered, again.recvText())
	w, ok := again.recv().(*commands.Welcome)
	require.True(ok)
	require.Equal(aliceW.UserID, w.UserID)

	sync, ok := again.recv().(*commands.ChatCreated)
	require.True(ok)
	require.Equal(chatID, sync.ChatID)
	require.Len(sync.Messages, 1)
	require.Equal("ct-offline", sync.Messages[0].Ciphertext)
	require.Equal(bobW.UserID, sync.Messages[0].SenderID)
	require.True(sync.Messages[0].Unread)
	require.Equal(wire.StatusSyncComplete, again.recvText())
}

func TestSelfChat(t *testing.T) {
	require := require.New(t)
	_, addr := newTestListener(t)

	alice := dialTestClient(t, addr)
	w := alice.register("aa:01", "ka", "alice")

	alice.send(&commands.CreateChat{PeerID: w.UserID})
	note, ok := alice.recv().(*commands.ChatCreated)
	require.True(ok)
	require.Equal(w.UserID, note.PeerID)

	// A message to oneself is persisted read and never relayed back.
	alice.send(&commands.SendMessage{ChatID: note.ChatID, PeerID: w.UserID, Ciphertext: "ct-self"})
	alice.send(&commands.SearchPeer{Username: "alice"})
	reply, ok := alice.recv().(*commands.SearchPeerReply)
	require.True(ok)
	require.Len(reply.Users, 1)

	// Reconnect and check the stored row through the sync stream.
	alice.c.Close()
	again := dialTestClient(t, addr)
	again.sendTag(wire.VersionTag(wire.CurrentVersion))
	require.Equal(wire.StatusConnected, again.recvText())
	again.sendText("aa:01")
	again.sendText("ka")
	require.Equal(wire.StatusRegistered, again.recvText())
	_, ok = again.recv().(*commands.Welcome)
	require.True(ok)

	sync, ok := again.recv().(*commands.ChatCreated)
	require.True(ok)
	require.Equal(note.ChatID, sync.ChatID)
	require.Len(sync.Messages, 1)
	require.Equal("ct-self", sync.Messages[0].Ciphertext)
	require.False(sync.Messages[0].Unread)
	require.Equal(wire.StatusSyncComplete, again.recvText())
}

func TestReconnectSyncAndKeyChange(t *testing.T) {
	require := require.New(t)
	_, addr := newTestListener(t)

	alice := dialTestClient(t, addr)
	aliceW := alice.register("aa:01", "ka", "alice")
	bob := dialTestClient(t, addr)
	bobW := bob.register("bb:02", "kb", "bob")

	bob.send(&commands.CreateChat{PeerID: aliceW.UserID})
	bobNote := bob.recv().(*commands.ChatCreated)
	alice.recv() // chat notification
	chatID := bobNote.ChatID

	bob.send(&commands.SendMessage{ChatID: chatID, PeerID: aliceW.UserID, Ciphertext: "ct-1"})
	alice.recv() // relayed message

	// Alice reconnects from the same (ip, mac) with a rotated key.
	alice.c.Close()
	again := dialTestClient(t, addr)
	again.sendTag(wire.VersionTag(wire.CurrentVersion))
	require.Equal(wire.StatusConnected, again.recvText())
	again.sendText("aa:01")
	again.sendText("ka-rotated")
	require.Equal(wire.StatusRegistered, again.recvText())

	w, ok := again.recv().(*commands.Welcome)
	require.True(ok)
	require.Equal(aliceW.UserID, w.UserID)
	require.Equal("alice", w.Username)

	// The sync stream carries the chat with its history, newest last.
	sync, ok := again.recv().(*commands.ChatCreated)
	require.True(ok)
	require.Equal(chatID, sync.ChatID)
	require.False(sync.IsUser1)
	require.Equal(bobW.UserID, sync.PeerID)
	require.Len(sync.Messages, 1)
	require.Equal("ct-1", sync.Messages[0].Ciphertext)
	require.Equal(wire.StatusSyncComplete, again.recvText())

	// Bob is online, so he is told about the rotated key.
	ck, ok := bob.recv().(*commands.ChangeKey)
	require.True(ok)
	require.Equal(aliceW.UserID, ck.PeerID)
	require.Equal("ka-rotated", ck.PeerKey)
}

func TestChangeUsername(t *testing.T) {
	require := require.New(t)
	_, addr := newTestListener(t)

	alice := dialTestClient(t, addr)
	alice.register("aa:01", "ka", "alice")
	bob := dialTestClient(t, addr)
	bob.register("bb:02", "kb", "bob")

	alice.send(&commands.ChangeUsername{})
	_, ok := alice.recv().(*commands.ChangeUsername)
	require.True(ok, "the command is echoed back first")

	// The negotiation reruns over the framed transport.
	alice.sendText("bob")
	require.Equal(wire.MsgUsernameTaken, alice.recvText())
	alice.sendText("alice@work")
	require.Equal(wire.StatusUsernameAccepted, alice.recvText())

	// The session stays usable under the new name.
	alice.send(&commands.SearchPeer{Username: "alice@work"})
	reply, ok := alice.recv().(*commands.SearchPeerReply)
	require.True(ok)
	require.Len(reply.Users, 1)
	require.Equal("alice@work", reply.Users[0].Username)
}
