// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUsers(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	alice, err := s.AddUser("10.0.0.1", "aa:bb:cc:dd:ee:01", "alice", "key-a")
	require.NoError(err)
	require.NotZero(alice.UserID)
	require.Equal("alice", alice.Username)

	t.Run("LookupByAddr", func(t *testing.T) {
		u, err := s.GetUserByAddr("10.0.0.1", "aa:bb:cc:dd:ee:01")
		require.NoError(err)
		require.Equal(alice.UserID, u.UserID)

		_, err = s.GetUserByAddr("10.0.0.1", "aa:bb:cc:dd:ee:99")
		require.ErrorIs(err, ErrNoUser)
	})

	t.Run("LookupByID", func(t *testing.T) {
		u, err := s.GetUserByID(alice.UserID)
		require.NoError(err)
		require.Equal("alice", u.Username)

		_, err = s.GetUserByID(9999)
		require.ErrorIs(err, ErrNoUser)
	})

	t.Run("ValidateUsername", func(t *testing.T) {
		ok, err := s.ValidateUsername("alice")
		require.NoError(err)
		require.False(ok, "taken name must be rejected")

		// Uniqueness is case-sensitive exact match.
		ok, err = s.ValidateUsername("Alice")
		require.NoError(err)
		require.True(ok)

		ok, err = s.ValidateUsername("bob")
		require.NoError(err)
		require.True(ok)
	})

	t.Run("ChangeUsername", func(t *testing.T) {
		require.NoError(s.ChangeUsername(alice.UserID, "alice2"))
		u, err := s.GetUserByID(alice.UserID)
		require.NoError(err)
		require.Equal("alice2", u.Username)
		require.NoError(s.ChangeUsername(alice.UserID, "alice"))
	})

	t.Run("ChangeKey", func(t *testing.T) {
		require.NoError(s.ChangeKey(alice.UserID, "key-a2"))
		u, err := s.GetUserByID(alice.UserID)
		require.NoError(err)
		require.Equal("key-a2", u.Key)
	})
}

func TestSearchUsers(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	for i, name := range []string{"alice", "alina", "bob"} {
		_, err := s.AddUser("10.0.0.1", fmt.Sprintf("aa:bb:cc:dd:ee:%02d", i), name, "k")
		require.NoError(err)
	}

	users, err := s.SearchUsers("ali")
	require.NoError(err)
	require.Len(users, 2)

	users, err = s.SearchUsers("zzz")
	require.NoError(err)
	require.Empty(users)
}

func TestChats(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	alice, err := s.AddUser("10.0.0.1", "aa:00", "alice", "ka")
	require.NoError(err)
	bob, err := s.AddUser("10.0.0.2", "bb:00", "bob", "kb")
	require.NoError(err)

	chat, err := s.CreateChat(alice.UserID, bob.UserID)
	require.NoError(err)
	require.Equal(fmt.Sprintf("chat_%d_%d", alice.UserID, bob.UserID), chat.ChatID)
	require.Equal(alice.UserID, chat.User1)
	require.Equal(bob.UserID, chat.User2)

	t.Run("PairReuse", func(t *testing.T) {
		// Creating the chat from the other side returns the existing
		// row, it does not mint a mirrored chat id.
		again, err := s.CreateChat(bob.UserID, alice.UserID)
		require.NoError(err)
		require.Equal(chat.ChatID, again.ChatID)
		require.Equal(alice.UserID, again.User1)
	})

	t.Run("SelfChat", func(t *testing.T) {
		self, err := s.CreateChat(alice.UserID, alice.UserID)
		require.NoError(err)
		require.Equal(fmt.Sprintf("chat_%d_%d", alice.UserID, alice.UserID), self.ChatID)
	})

	t.Run("GetChat", func(t *testing.T) {
		got, err := s.GetChat(chat.ChatID)
		require.NoError(err)
		require.Equal(chat.User2, got.User2)

		_, err = s.GetChat("chat_77_78")
		require.Error(err)
	})
}

func TestMessages(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	alice, err := s.AddUser("10.0.0.1", "aa:00", "alice", "ka")
	require.NoError(err)
	bob, err := s.AddUser("10.0.0.2", "bb:00", "bob", "kb")
	require.NoError(err)
	chat, err := s.CreateChat(alice.UserID, bob.UserID)
	require.NoError(err)

	id, err := s.AddMessage(chat.ChatID, alice.UserID, "ct-1", "01-09-2024 10:00", true)
	require.NoError(err)
	require.Equal(uint64(1), id)

	t.Run("GetMessage", func(t *testing.T) {
		m, err := s.GetMessage(chat.ChatID, id)
		require.NoError(err)
		require.Equal(alice.UserID, m.SenderID)
		require.Equal("ct-1", m.Ciphertext)
		require.Equal("01-09-2024 10:00", m.Timestamp)
		require.True(m.Unread)
	})

	t.Run("SenderConstraint", func(t *testing.T) {
		// The check constraint restricts senders to the participants.
		_, err := s.AddMessage(chat.ChatID, 9999, "ct-x", "01-09-2024 10:01", true)
		require.Error(err)
	})

	t.Run("ReadMessages", func(t *testing.T) {
		// An unread message in another chat must stay untouched.
		other, err := s.CreateChat(bob.UserID, bob.UserID)
		require.NoError(err)
		otherID, err := s.AddMessage(other.ChatID, bob.UserID, "ct-2", "01-09-2024 10:02", true)
		require.NoError(err)

		require.NoError(s.ReadMessages(chat.ChatID))
		m, err := s.GetMessage(chat.ChatID, id)
		require.NoError(err)
		require.False(m.Unread)

		m, err = s.GetMessage(other.ChatID, otherID)
		require.NoError(err)
		require.True(m.Unread)
	})

	t.Run("BadChatID", func(t *testing.T) {
		_, err := s.AddMessage("users; DROP TABLE users", alice.UserID, "ct", "dt", false)
		require.ErrorIs(err, ErrBadChatID)
		require.ErrorIs(s.ReadMessages("chat_1_x"), ErrBadChatID)
	})
}

func TestGetUserChats(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	alice, err := s.AddUser("10.0.0.1", "aa:00", "alice", "ka")
	require.NoError(err)
	bob, err := s.AddUser("10.0.0.2", "bb:00", "bob", "kb")
	require.NoError(err)
	chat, err := s.CreateChat(alice.UserID, bob.UserID)
	require.NoError(err)

	// 60 messages; the sync view carries only the most recent 50 in
	// ascending order.
	for i := 1; i <= 60; i++ {
		_, err = s.AddMessage(chat.ChatID, alice.UserID, fmt.Sprintf("ct-%d", i), "01-09-2024 10:00", true)
		require.NoError(err)
	}

	t.Run("FromUser1", func(t *testing.T) {
		chats, err := s.GetUserChats(alice.UserID)
		require.NoError(err)
		require.Len(chats, 1)
		require.True(chats[0].IsUser1)
		require.Equal(bob.UserID, chats[0].Peer.UserID)
		require.Len(chats[0].Messages, 50)
		require.Equal(uint64(11), chats[0].Messages[0].MessageID)
		require.Equal(uint64(60), chats[0].Messages[49].MessageID)
	})

	t.Run("FromUser2", func(t *testing.T) {
		chats, err := s.GetUserChats(bob.UserID)
		require.NoError(err)
		require.Len(chats, 1)
		require.False(chats[0].IsUser1)
		require.Equal(alice.UserID, chats[0].Peer.UserID)
	})

	t.Run("NoChats", func(t *testing.T) {
		carol, err := s.AddUser("10.0.0.3", "cc:00", "carol", "kc")
		require.NoError(err)
		chats, err := s.GetUserChats(carol.UserID)
		require.NoError(err)
		require.Empty(chats)
	})
}
