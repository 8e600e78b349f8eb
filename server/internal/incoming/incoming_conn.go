// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"gopkg.in/op/go-logging.v1"

	"github.com/Oldmacintosh/PeerChat/server/internal/instrument"
	"github.com/Oldmacintosh/PeerChat/server/storage"
	"github.com/Oldmacintosh/PeerChat/wire"
	"github.com/Oldmacintosh/PeerChat/wire/commands"
)

const (
	// allowedChars are the characters permitted in usernames besides
	// alphanumerics.
	allowedChars = "_@ "

	// maxUsernameLength bounds candidate usernames before validation.
	maxUsernameLength = 64

	// relayQueueSize is the per-session queue of commands relayed from
	// other sessions.  A session that stops draining its transport loses
	// relays rather than blocking its peers.
	relayQueueSize = 64
)

var errSessionHalted = errors.New("incoming: session halted")

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c net.Conn
	e *list.Element

	// user is set once the session reaches the active state.
	user          *storage.User
	isInitialized bool

	relayCh chan commands.Command
}

// Relay enqueues a command for delivery to this session's client.  It
// never blocks; a full queue drops the command and reports failure.
func (c *incomingConn) Relay(cmd commands.Command) bool {
	select {
	case c.relayCh <- cmd:
		return true
	default:
		return false
	}
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		if c.user != nil {
			c.l.glue.Presence().Remove(c.user.UserID, c)
			instrument.SetOnlineUsers(c.l.glue.Presence().Len())
		}
		c.l.onClosedConn(c)
	}()

	// The handshake and authentication phases run under a deadline; an
	// authenticated session has none.
	timeout := time.Duration(c.l.glue.Config().Debug.HandshakeTimeout) * time.Second
	if err := c.c.SetDeadline(time.Now().Add(timeout)); err != nil {
		c.log.Errorf("Failed to set handshake deadline: %v", err)
		return
	}

	if err := c.handshake(); err != nil {
		c.log.Debugf("Handshake failed: %v", err)
		instrument.HandshakeFailure()
		return
	}

	registered, keyChanged, err := c.authenticate()
	if err != nil {
		c.log.Debugf("Authentication failed: %v", err)
		instrument.HandshakeFailure()
		return
	}
	if err = c.c.SetDeadline(time.Time{}); err != nil {
		c.log.Errorf("Failed to clear deadline: %v", err)
		return
	}
	c.log = c.l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d:%s", c.user.UserID, c.user.Username))
	c.l.onInitializedConn(c)

	// Returning users drain their chat history before going active.
	if registered {
		if err = c.syncChats(keyChanged); err != nil {
			c.log.Errorf("Chat sync failed: %v", err)
			return
		}
	}

	c.l.glue.Presence().Set(c.user.UserID, c)
	instrument.SetOnlineUsers(c.l.glue.Presence().Len())
	c.log.Noticef("Session active: %v", c.c.RemoteAddr())

	// All transport reads happen on a separate goroutine so that the
	// session loop can multiplex client commands with relays from other
	// sessions.  The session loop is the sole writer.
	cmdCh := make(chan commands.Command)
	go func() {
		defer close(cmdCh)
		for {
			cmd, err := wire.RecvClientCommand(c.c)
			if err != nil {
				c.log.Debugf("Receive failed: %v", err)
				return
			}
			select {
			case cmdCh <- cmd:
			case <-c.l.closeAllCh:
				return
			}
		}
	}()

	for {
		select {
		case cmd, ok := <-cmdCh:
			if !ok {
				return
			}
			if err = c.onCommand(cmd, cmdCh); err != nil {
				c.log.Errorf("Session terminated: %v", err)
				return
			}
		case cmd := <-c.relayCh:
			if err = wire.SendCommand(c.c, cmd); err != nil {
				c.log.Debugf("Relay delivery failed: %v", err)
				return
			}
		case <-c.l.closeAllCh:
			return
		}
	}
}

// handshake reads the raw version tag and acknowledges it.  The tag is the
// only unframed data of the protocol: at most HeaderLength bytes, written
// in one segment by a client that then waits for the acknowledgment, so a
// single read yields the whole tag regardless of its length.
func (c *incomingConn) handshake() error {
	buf := make([]byte, wire.HeaderLength)
	n, err := c.c.Read(buf)
	if err != nil {
		return err
	}
	tag := string(buf[:n])
	if !wire.IsSupportedVersionTag(tag) && !c.l.glue.Config().Debug.AllowAnyVersion {
		return fmt.Errorf("unexpected version tag: '%s'", tag)
	}
	return wire.SendText(c.c, wire.StatusConnected)
}

// authenticate resolves the connection to a user row, creating one for an
// unseen (ip, mac) pair, and terminates with the welcome command.
func (c *incomingConn) authenticate() (registered, keyChanged bool, err error) {
	mac, err := wire.RecvClientText(c.c)
	if err != nil {
		return false, false, err
	}
	key, err := wire.RecvClientText(c.c)
	if err != nil {
		return false, false, err
	}
	ip, _, err := net.SplitHostPort(c.c.RemoteAddr().String())
	if err != nil {
		return false, false, err
	}

	store := c.l.glue.Store()
	user, err := store.GetUserByAddr(ip, mac)
	switch {
	case errors.Is(err, storage.ErrNoUser):
		if err = wire.SendText(c.c, wire.StatusUnregistered); err != nil {
			return false, false, err
		}
		username, err := c.negotiateUsername(func() (string, error) {
			return wire.RecvClientText(c.c)
		})
		if err != nil {
			return false, false, err
		}
		if user, err = store.AddUser(ip, mac, username, key); err != nil {
			return false, false, err
		}
		instrument.UserRegistered()
		c.log.Noticef("User registered(%s, %s)", username, ip)
	case err != nil:
		return false, false, err
	default:
		registered = true
		if err = wire.SendText(c.c, wire.StatusRegistered); err != nil {
			return false, false, err
		}
		if key != user.Key {
			keyChanged = true
			if err = store.ChangeKey(user.UserID, key); err != nil {
				return false, false, err
			}
			user.Key = key
			c.log.Noticef("User key changed(%s, %s)", user.Username, ip)
		}
		c.log.Noticef("User connected(%s, %s)", user.Username, ip)
	}

	c.user = user
	err = wire.SendCommand(c.c, &commands.Welcome{UserID: user.UserID, Username: user.Username})
	return registered, keyChanged, err
}

// negotiateUsername drives the candidate-username loop until one passes
// both the character filter and the uniqueness check.  recv supplies the
// next candidate; validation failures are reported back as retryable error
// strings.
func (c *incomingConn) negotiateUsername(recv func() (string, error)) (string, error) {
	for {
		username, err := recv()
		if err != nil {
			return "", err
		}
		if !usernameAllowed(username) {
			if err = wire.SendText(c.c, wire.MsgInvalidUsername); err != nil {
				return "", err
			}
			continue
		}
		ok, err := c.l.glue.Store().ValidateUsername(username)
		if err != nil {
			return "", err
		}
		if !ok {
			if err = wire.SendText(c.c, wire.MsgUsernameTaken); err != nil {
				return "", err
			}
			continue
		}
		if err = wire.SendText(c.c, wire.StatusUsernameAccepted); err != nil {
			return "", err
		}
		return username, nil
	}
}

// syncChats streams the user's chats, newest messages last, terminated by
// the sync sentinel.  When the user reconnected with a new key, each
// online peer is additionally notified of the change.
func (c *incomingConn) syncChats(keyChanged bool) error {
	chats, err := c.l.glue.Store().GetUserChats(c.user.UserID)
	if err != nil {
		return err
	}
	for _, chat := range chats {
		cmd := &commands.ChatCreated{
			ChatID:       chat.ChatID,
			IsUser1:      chat.IsUser1,
			PeerID:       chat.Peer.UserID,
			PeerUsername: chat.Peer.Username,
			PeerKey:      chat.Peer.Key,
			Messages:     messagesToWire(chat.Messages),
		}
		if err = wire.SendCommand(c.c, cmd); err != nil {
			return err
		}
		if keyChanged && chat.Peer.UserID != c.user.UserID {
			if peer, ok := c.l.glue.Presence().Get(chat.Peer.UserID); ok {
				peer.Relay(&commands.ChangeKey{PeerID: c.user.UserID, PeerKey: c.user.Key})
			}
		}
	}
	return wire.SendText(c.c, wire.StatusSyncComplete)
}

func (c *incomingConn) onCommand(cmd commands.Command, cmdCh <-chan commands.Command) error {
	switch cmd := cmd.(type) {
	case *commands.CreateChat:
		return c.onCreateChat(cmd)
	case *commands.ChangeUsername:
		return c.onChangeUsername(cmdCh)
	case *commands.SearchPeer:
		return c.onSearchPeer(cmd)
	case *commands.SendMessage:
		return c.onSendMessage(cmd)
	case *commands.ReadMessages:
		return c.l.glue.Store().ReadMessages(cmd.ChatID)
	default:
		return fmt.Errorf("%w: %T", wire.ErrUnexpectedCommand, cmd)
	}
}

// onCreateChat persists the chat and notifies both participants with
// participant-relative fields.  The requester is notified directly, the
// peer through the presence registry if online.  A self chat produces a
// single notification.
func (c *incomingConn) onCreateChat(cmd *commands.CreateChat) error {
	store := c.l.glue.Store()
	chat, err := store.CreateChat(c.user.UserID, cmd.PeerID)
	if err != nil {
		return err
	}
	peer, err := store.GetUserByID(cmd.PeerID)
	if err != nil {
		return err
	}

	err = wire.SendCommand(c.c, &commands.ChatCreated{
		ChatID:       chat.ChatID,
		IsUser1:      chat.User1 == c.user.UserID,
		PeerID:       peer.UserID,
		PeerUsername: peer.Username,
		PeerKey:      peer.Key,
	})
	if err != nil {
		return err
	}
	if peer.UserID != c.user.UserID {
		if s, ok := c.l.glue.Presence().Get(peer.UserID); ok {
			s.Relay(&commands.ChatCreated{
				ChatID:       chat.ChatID,
				IsUser1:      chat.User1 == peer.UserID,
				PeerID:       c.user.UserID,
				PeerUsername: c.user.Username,
				PeerKey:      c.user.Key,
			})
		}
	}
	c.log.Noticef("Chat created(%s, %s)", c.user.Username, peer.Username)
	return nil
}

// onChangeUsername echoes the command back as the signal to start the
// rename, then reruns the username negotiation over the framed transport.
// The presence entry is removed for the duration so no relay can race the
// rename.
func (c *incomingConn) onChangeUsername(cmdCh <-chan commands.Command) error {
	if err := wire.SendCommand(c.c, &commands.ChangeUsername{}); err != nil {
		return err
	}
	c.l.glue.Presence().Remove(c.user.UserID, c)

	username, err := c.negotiateUsername(func() (string, error) {
		select {
		case cmd, ok := <-cmdCh:
			if !ok {
				return "", io.EOF
			}
			t, ok := cmd.(*commands.Text)
			if !ok {
				return "", fmt.Errorf("%w: %T", wire.ErrUnexpectedCommand, cmd)
			}
			return t.Value, nil
		case <-c.l.closeAllCh:
			return "", errSessionHalted
		}
	})
	if err != nil {
		return err
	}
	if err = c.l.glue.Store().ChangeUsername(c.user.UserID, username); err != nil {
		return err
	}
	oldUsername := c.user.Username
	c.user.Username = username
	c.l.glue.Presence().Set(c.user.UserID, c)
	c.log.Noticef("Username changed(%s, %s)", username, oldUsername)
	c.log = c.l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d:%s", c.user.UserID, username))
	return nil
}

func (c *incomingConn) onSearchPeer(cmd *commands.SearchPeer) error {
	users, err := c.l.glue.Store().SearchUsers(cmd.Username)
	if err != nil {
		return err
	}
	reply := &commands.SearchPeerReply{Users: make([]commands.UserSummary, 0, len(users))}
	for _, u := range users {
		reply.Users = append(reply.Users, commands.UserSummary{
			UserID:   u.UserID,
			Username: u.Username,
			Key:      u.Key,
		})
	}
	return wire.SendCommand(c.c, reply)
}

// onSendMessage persists the ciphertext and relays the stored row to the
// peer if online.  A message to oneself is stored read and never relayed.
func (c *incomingConn) onSendMessage(cmd *commands.SendMessage) error {
	store := c.l.glue.Store()
	selfChat := cmd.PeerID == c.user.UserID
	dt := time.Now().UTC().Format(commands.TimestampLayout)
	msgID, err := store.AddMessage(cmd.ChatID, c.user.UserID, cmd.Ciphertext, dt, !selfChat)
	if err != nil {
		return err
	}
	instrument.MessageStored()
	if selfChat {
		return nil
	}
	if peer, ok := c.l.glue.Presence().Get(cmd.PeerID); ok {
		msg, err := store.GetMessage(cmd.ChatID, msgID)
		if err != nil {
			return err
		}
		if peer.Relay(&commands.ReceiveMessage{ChatID: cmd.ChatID, Message: *messageToWire(msg)}) {
			instrument.MessageRelayed()
		}
	}
	return nil
}

func messageToWire(m *storage.Message) *commands.Message {
	return &commands.Message{
		MessageID:  m.MessageID,
		SenderID:   m.SenderID,
		Ciphertext: m.Ciphertext,
		Timestamp:  m.Timestamp,
		Unread:     m.Unread,
	}
}

func messagesToWire(msgs []storage.Message) []commands.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]commands.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, *messageToWire(&msgs[i]))
	}
	return out
}

// usernameAllowed applies the character filter: the whitelisted
// punctuation is stripped, and the remainder must be non-empty
// alphanumeric.
func usernameAllowed(username string) bool {
	if username == "" || len(username) > maxUsernameLength {
		return false
	}
	stripped := strings.Map(func(r rune) rune {
		if strings.ContainsRune(allowedChars, r) {
			return -1
		}
		return r
	}, username)
	if stripped == "" {
		return false
	}
	for _, r := range stripped {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:       l,
		c:       conn,
		relayCh: make(chan commands.Command, relayQueueSize),
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", atomic.AddUint64(&incomingConnID, 1)))
	return c
}
