// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/Oldmacintosh/PeerChat/core/worker"
	"github.com/Oldmacintosh/PeerChat/crypto/pqmsg"
	"github.com/Oldmacintosh/PeerChat/http/common"
	"github.com/Oldmacintosh/PeerChat/wire"
	"github.com/Oldmacintosh/PeerChat/wire/commands"
)

const eventQueueSize = 64

// ConnectError is the error returned when establishing the transport
// connection fails.
type ConnectError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("client: connect error: %v", e.Err)
}

// Unwrap returns the original error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolError is the error returned when the server deviates from the
// expected protocol flow.
type ProtocolError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("client: protocol error: %v", e.Err)
}

// Unwrap returns the original error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Session is one connection to the relay server, from handshake to
// session end.
type Session struct {
	worker.Worker

	client *Client
	log    *logging.Logger

	c       net.Conn
	writeMu sync.Mutex

	eventCh chan Event

	userID   uint64
	username string
	chats    []*Chat

	// negotiating is set while the username negotiation owns the
	// transport reads: before registration completes, and after the
	// change_username echo stops the receive loop.
	negotiating atomic.Bool
}

// NewSession dials the server and drives the connection to the active
// state: version handshake, identity exchange and, for a known user, the
// chat synchronization stream.  For an unknown (ip, mac) pair the session
// is returned in the registration state instead; see NeedsRegistration
// and SubmitUsername.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	s := &Session{
		client:  c,
		log:     c.logBackend.GetLogger("session"),
		eventCh: make(chan Event, eventQueueSize),
	}

	timeout := time.Duration(c.cfg.Debug.ConnectTimeout) * time.Second
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := common.Dial(dialCtx, c.cfg.Server.Address)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	s.c = conn

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &ConnectError{Err: err}
	}

	// The version tag is the only unframed data on the wire.
	if _, err = conn.Write([]byte(wire.VersionTag(wire.CurrentVersion))); err != nil {
		return nil, &ConnectError{Err: err}
	}
	status, err := wire.RecvServerText(conn)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	if status != wire.StatusConnected {
		return nil, &ProtocolError{Err: fmt.Errorf("unexpected handshake reply: '%s'", status)}
	}
	s.log.Debugf("Connected to %s", c.cfg.Server.Address)

	if err = wire.SendText(conn, c.identity()); err != nil {
		return nil, &ConnectError{Err: err}
	}
	if err = wire.SendText(conn, c.PublicKeyPEM()); err != nil {
		return nil, &ConnectError{Err: err}
	}

	status, err = wire.RecvServerText(conn)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	switch status {
	case wire.StatusUnregistered:
		// The caller drives the username negotiation; no deadline while
		// a human is typing.
		if err = conn.SetDeadline(time.Time{}); err != nil {
			return nil, &ConnectError{Err: err}
		}
		s.negotiating.Store(true)
		s.log.Notice("Not registered; username negotiation required.")
		ok = true
		return s, nil
	case wire.StatusRegistered:
	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unexpected status: '%s'", status)}
	}

	if err = s.recvWelcome(); err != nil {
		return nil, err
	}
	if err = s.drainSync(); err != nil {
		return nil, err
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		return nil, &ConnectError{Err: err}
	}

	s.log.Noticef("Session active: user %d (%s), %d chats", s.userID, s.username, len(s.chats))
	s.Go(s.recvWorker)
	ok = true
	return s, nil
}

// Shutdown tears the session down and waits for the receive loop to
// terminate.
func (s *Session) Shutdown() {
	s.c.Close()
	s.Halt()
}

// Events returns the event listener channel.
func (s *Session) Events() <-chan Event {
	return s.eventCh
}

// NeedsRegistration reports whether the server does not know this client
// yet.  While true, the only useful operation is SubmitUsername.
func (s *Session) NeedsRegistration() bool {
	return s.negotiating.Load()
}

// UserID returns the authenticated user id.
func (s *Session) UserID() uint64 {
	return s.userID
}

// Username returns the authenticated username.
func (s *Session) Username() string {
	return s.username
}

// Chats returns the chats materialized by the synchronization stream.
func (s *Session) Chats() []*Chat {
	return s.chats
}

// SubmitUsername submits a candidate username during registration or
// after a UsernameChangeEvent.  A false return carries the server's
// retryable rejection reason; after acceptance the server considers the
// name taken, and the caller should shut this session down and
// reconnect.
func (s *Session) SubmitUsername(username string) (accepted bool, reason string, err error) {
	if !s.negotiating.Load() {
		return false, "", errors.New("client: no username negotiation in progress")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err = wire.SendText(s.c, username); err != nil {
		return false, "", err
	}
	reply, err := wire.RecvServerText(s.c)
	if err != nil {
		return false, "", err
	}
	if reply == wire.StatusUsernameAccepted {
		s.log.Noticef("Username accepted: %s", username)
		return true, "", nil
	}
	return false, reply, nil
}

// CreateChat asks the server to create (or resurface) a chat with the
// peer.  The resulting chat arrives as a ChatCreatedEvent.
func (s *Session) CreateChat(peerID uint64) error {
	return s.send(&commands.CreateChat{PeerID: peerID})
}

// SearchPeer queries users by username substring.  The matches arrive as
// a SearchResultsEvent.
func (s *Session) SearchPeer(username string) error {
	return s.send(&commands.SearchPeer{Username: username})
}

// ReadMessages clears the unread flag for every message of the chat.
func (s *Session) ReadMessages(chatID string) error {
	return s.send(&commands.ReadMessages{ChatID: chatID})
}

// RequestUsernameChange asks the server to start a username change.  The
// server's echo arrives as a UsernameChangeEvent, after which the receive
// loop has stopped and SubmitUsername drives the negotiation.
func (s *Session) RequestUsernameChange() error {
	return s.send(&commands.ChangeUsername{})
}

// SendMessage encrypts plaintext to the peer's known public key, records
// the ciphertext to plaintext mapping in the conversation cache and
// submits the ciphertext for persistence and relay.
func (s *Session) SendMessage(chatID string, peerID uint64, plaintext string) error {
	keyPEM, ok := s.client.cache.PeerKey(peerID)
	if !ok {
		return fmt.Errorf("client: no known public key for peer %d", peerID)
	}
	peerKey, err := pqmsg.ParsePublicKey(keyPEM)
	if err != nil {
		return err
	}
	ciphertext, err := s.client.pool.Encrypt(peerKey, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("client: unable to encrypt message: %w", err)
	}
	if err = s.client.cache.Put(chatID, ciphertext, []byte(plaintext)); err != nil {
		return err
	}
	return s.send(&commands.SendMessage{
		ChatID:     chatID,
		PeerID:     peerID,
		Ciphertext: ciphertext,
	})
}

func (s *Session) send(cmd commands.Command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.SendCommand(s.c, cmd)
}

func (s *Session) recvWelcome() error {
	cmd, err := wire.RecvServerCommand(s.c)
	if err != nil {
		return &ConnectError{Err: err}
	}
	w, ok := cmd.(*commands.Welcome)
	if !ok {
		return &ProtocolError{Err: fmt.Errorf("expected welcome, got %T", cmd)}
	}
	s.userID = w.UserID
	s.username = w.Username
	return nil
}

// drainSync consumes the synchronization stream, materializing each chat
// through the crypto offload pool before the session is considered
// ready.
func (s *Session) drainSync() error {
	for {
		cmd, err := wire.RecvServerCommand(s.c)
		if err != nil {
			return &ConnectError{Err: err}
		}
		switch cmd := cmd.(type) {
		case *commands.Text:
			if cmd.Value == wire.StatusSyncComplete {
				return nil
			}
			return &ProtocolError{Err: fmt.Errorf("unexpected sync sentinel: '%s'", cmd.Value)}
		case *commands.ChatCreated:
			chat, err := s.materializeChat(cmd)
			if err != nil {
				return err
			}
			s.chats = append(s.chats, chat)
		default:
			return &ProtocolError{Err: fmt.Errorf("unexpected sync command: %T", cmd)}
		}
	}
}

// materializeChat records the peer key, batch-decrypts the ciphertexts
// not already present in the conversation cache and resolves every
// message's plaintext from the cache.
func (s *Session) materializeChat(cmd *commands.ChatCreated) (*Chat, error) {
	cc := s.client.cache
	if err := cc.PutPeerKey(cmd.PeerID, cmd.PeerKey); err != nil {
		return nil, err
	}

	var toDecrypt []string
	for _, m := range cmd.Messages {
		// Messages this client sent were cached at send time and were
		// sealed to the peer's key anyway.  The exception is the self
		// chat, where sender and peer coincide.
		if m.SenderID != cmd.PeerID {
			continue
		}
		_, ok, err := cc.Get(cmd.ChatID, m.Ciphertext)
		if err != nil {
			return nil, err
		}
		if !ok {
			toDecrypt = append(toDecrypt, m.Ciphertext)
		}
	}
	if len(toDecrypt) > 0 {
		results, err := s.client.pool.DecryptBatch(toDecrypt)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if err = cc.Put(cmd.ChatID, r.Ciphertext, r.Plaintext); err != nil {
				return nil, err
			}
		}
	}

	chat := &Chat{
		ChatID:       cmd.ChatID,
		IsUser1:      cmd.IsUser1,
		PeerID:       cmd.PeerID,
		PeerUsername: cmd.PeerUsername,
		PeerKey:      cmd.PeerKey,
	}
	for _, m := range cmd.Messages {
		plaintext, _, err := cc.Get(cmd.ChatID, m.Ciphertext)
		if err != nil {
			return nil, err
		}
		chat.Messages = append(chat.Messages, DecryptedMessage{Message: m, Plaintext: plaintext})
	}
	return chat, nil
}

// recvWorker is the background receive loop, dispatching inbound server
// commands until the session ends.  Connection resets are a normal
// session end, not a failure.
func (s *Session) recvWorker() {
	var err error
	renaming := false
	defer func() {
		if !renaming {
			s.c.Close()
		}
		s.emit(&SessionEndedEvent{Err: err})
	}()

	for {
		var cmd commands.Command
		cmd, err = wire.RecvServerCommand(s.c)
		if err != nil {
			if isSessionEnd(err) {
				s.log.Debugf("Session ended: %v", err)
				err = nil
			} else {
				s.log.Errorf("Receive loop terminated: %v", err)
			}
			return
		}

		switch cmd := cmd.(type) {
		case *commands.ChatCreated:
			var chat *Chat
			if chat, err = s.materializeChat(cmd); err != nil {
				return
			}
			s.emit(&ChatCreatedEvent{Chat: chat})
		case *commands.ReceiveMessage:
			if err = s.onReceiveMessage(cmd); err != nil {
				return
			}
		case *commands.SearchPeerReply:
			s.emit(&SearchResultsEvent{Users: cmd.Users})
		case *commands.ChangeUsername:
			// The rename now owns the transport; the connection stays
			// open for SubmitUsername.
			renaming = true
			s.negotiating.Store(true)
			s.emit(&UsernameChangeEvent{})
			return
		case *commands.ChangeKey:
			if err = s.client.cache.PutPeerKey(cmd.PeerID, cmd.PeerKey); err != nil {
				return
			}
			s.log.Noticef("Peer key changed(%d)", cmd.PeerID)
			s.emit(&PeerKeyChangedEvent{PeerID: cmd.PeerID})
		default:
			err = &ProtocolError{Err: fmt.Errorf("unexpected command: %T", cmd)}
			return
		}
	}
}

func (s *Session) onReceiveMessage(cmd *commands.ReceiveMessage) error {
	plaintext, err := s.client.pool.Decrypt(cmd.Message.Ciphertext)
	if err != nil {
		return err
	}
	if err = s.client.cache.Put(cmd.ChatID, cmd.Message.Ciphertext, plaintext); err != nil {
		return err
	}
	s.emit(&MessageReceivedEvent{
		ChatID:  cmd.ChatID,
		Message: DecryptedMessage{Message: cmd.Message, Plaintext: plaintext},
	})
	return nil
}

func (s *Session) emit(ev Event) {
	select {
	case s.eventCh <- ev:
	case <-s.HaltCh():
	}
}

// isSessionEnd reports whether the receive failure is an expected way for
// a session to end.
func isSessionEnd(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	default:
		return false
	}
}
