// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the tagged wire protocol command schema.
package commands

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrInvalidCommand is the error returned when a payload does not
	// de-serialize into a well formed command envelope.
	ErrInvalidCommand = errors.New("commands: invalid wire protocol command")
)

// TimestampLayout is the format of message timestamps on the wire and in
// storage.  Timestamps are UTC.
const TimestampLayout = "02-01-2006 15:04"

// Wire names of the commands, shared with the original protocol.
const (
	cmdText           = "text"
	cmdWelcome        = "welcome"
	cmdCreateChat     = "create_chat"
	cmdChangeUsername = "change_username"
	cmdSearchPeer     = "search_peer"
	cmdSendMessage    = "send_message"
	cmdReadMessages   = "read_messages"
	cmdReceiveMessage = "receive_message"
	cmdChangeKey      = "change_key"
)

// envelope is the outer structure of every framed payload.  The command
// name tags the body so that unexpected payloads fail with a typed parse
// error instead of silently deserializing into the wrong shape.
type envelope struct {
	Cmd  string          `cbor:"c"`
	Body cbor.RawMessage `cbor:"b"`
}

// Command is the common interface exposed by all wire command structures.
type Command interface {
	// ToBytes serializes the command and returns the resulting slice.
	ToBytes() ([]byte, error)

	// wireName returns the command tag used on the wire.
	wireName() string
}

// Message is a stored chat message as it travels on the wire.
type Message struct {
	MessageID  uint64 `cbor:"message_id"`
	SenderID   uint64 `cbor:"sender_id"`
	Ciphertext string `cbor:"message"`
	Timestamp  string `cbor:"dt"`
	Unread     bool   `cbor:"unread"`
}

// UserSummary is a search result entry.
type UserSummary struct {
	UserID   uint64 `cbor:"user_id"`
	Username string `cbor:"username"`
	Key      string `cbor:"key"`
}

// Text carries the bare protocol strings: handshake acknowledgments,
// identity tokens, public keys, candidate usernames and the retryable
// validation errors.
type Text struct {
	Value string `cbor:"value"`
}

func (c *Text) wireName() string { return cmdText }

// Welcome carries the authenticated user's id and username, terminating
// the authentication phase.
type Welcome struct {
	UserID   uint64 `cbor:"user_id"`
	Username string `cbor:"username"`
}

func (c *Welcome) wireName() string { return cmdWelcome }

// CreateChat requests a chat with the given peer.
type CreateChat struct {
	PeerID uint64 `cbor:"peer_id"`
}

func (c *CreateChat) wireName() string { return cmdCreateChat }

// ChatCreated announces a chat to a participant, with fields relative to
// that participant.  It doubles as the per-chat record of the sync stream,
// where Messages holds the chat's most recent history in ascending order.
type ChatCreated struct {
	ChatID       string    `cbor:"chat_id"`
	IsUser1      bool      `cbor:"is_user_1"`
	PeerID       uint64    `cbor:"peer_id"`
	PeerUsername string    `cbor:"peer_username"`
	PeerKey      string    `cbor:"peer_key"`
	Messages     []Message `cbor:"messages,omitempty"`
}

func (c *ChatCreated) wireName() string { return cmdCreateChat }

// ChangeUsername signals the start of a username change.  The server echoes
// it back to the requesting connection before running the rename.
type ChangeUsername struct{}

func (c *ChangeUsername) wireName() string { return cmdChangeUsername }

// SearchPeer queries users by substring match on username.
type SearchPeer struct {
	Username string `cbor:"username"`
}

func (c *SearchPeer) wireName() string { return cmdSearchPeer }

// SearchPeerReply carries the (possibly empty) match list back.
type SearchPeerReply struct {
	Users []UserSummary `cbor:"users"`
}

func (c *SearchPeerReply) wireName() string { return cmdSearchPeer }

// SendMessage submits a ciphertext for persistence and relay.
type SendMessage struct {
	ChatID     string `cbor:"chat_id"`
	PeerID     uint64 `cbor:"peer_id"`
	Ciphertext string `cbor:"message"`
}

func (c *SendMessage) wireName() string { return cmdSendMessage }

// ReadMessages clears the unread flag for every message of a chat.
type ReadMessages struct {
	ChatID string `cbor:"chat_id"`
}

func (c *ReadMessages) wireName() string { return cmdReadMessages }

// ReceiveMessage relays a freshly persisted message to the online peer.
type ReceiveMessage struct {
	ChatID  string  `cbor:"chat_id"`
	Message Message `cbor:"message"`
}

func (c *ReceiveMessage) wireName() string { return cmdReceiveMessage }

// ChangeKey notifies a participant that their peer's public key changed.
type ChangeKey struct {
	PeerID  uint64 `cbor:"peer_id"`
	PeerKey string `cbor:"peer_key"`
}

func (c *ChangeKey) wireName() string { return cmdChangeKey }

func toBytes(c Command) ([]byte, error) {
	body, err := cbor.Marshal(c)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&envelope{Cmd: c.wireName(), Body: body})
}

// ToBytes implementations.  Each command serializes to an envelope tagged
// with its wire name.

func (c *Text) ToBytes() ([]byte, error)            { return toBytes(c) }
func (c *Welcome) ToBytes() ([]byte, error)         { return toBytes(c) }
func (c *CreateChat) ToBytes() ([]byte, error)      { return toBytes(c) }
func (c *ChatCreated) ToBytes() ([]byte, error)     { return toBytes(c) }
func (c *ChangeUsername) ToBytes() ([]byte, error)  { return toBytes(c) }
func (c *SearchPeer) ToBytes() ([]byte, error)      { return toBytes(c) }
func (c *SearchPeerReply) ToBytes() ([]byte, error) { return toBytes(c) }
func (c *SendMessage) ToBytes() ([]byte, error)     { return toBytes(c) }
func (c *ReadMessages) ToBytes() ([]byte, error)    { return toBytes(c) }
func (c *ReceiveMessage) ToBytes() ([]byte, error)  { return toBytes(c) }
func (c *ChangeKey) ToBytes() ([]byte, error)       { return toBytes(c) }

func fromBytes(b []byte, newCmd func(name string) Command) (Command, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd := newCmd(env.Cmd)
	if cmd == nil {
		return nil, fmt.Errorf("%w: unknown command '%s'", ErrInvalidCommand, env.Cmd)
	}
	if err := cbor.Unmarshal(env.Body, cmd); err != nil {
		return nil, fmt.Errorf("%w: malformed '%s' body: %v", ErrInvalidCommand, env.Cmd, err)
	}
	return cmd, nil
}

// FromClientBytes de-serializes a payload received from a client, returning
// a Command or an error.  The create_chat and search_peer tags decode into
// their request forms.
func FromClientBytes(b []byte) (Command, error) {
	return fromBytes(b, func(name string) Command {
		switch name {
		case cmdText:
			return new(Text)
		case cmdCreateChat:
			return new(CreateChat)
		case cmdChangeUsername:
			return new(ChangeUsername)
		case cmdSearchPeer:
			return new(SearchPeer)
		case cmdSendMessage:
			return new(SendMessage)
		case cmdReadMessages:
			return new(ReadMessages)
		default:
			return nil
		}
	})
}

// FromServerBytes de-serializes a payload received from the server,
// returning a Command or an error.  The create_chat and search_peer tags
// decode into their notification and reply forms.
func FromServerBytes(b []byte) (Command, error) {
	return fromBytes(b, func(name string) Command {
		switch name {
		case cmdText:
			return new(Text)
		case cmdWelcome:
			return new(Welcome)
		case cmdCreateChat:
			return new(ChatCreated)
		case cmdChangeUsername:
			return new(ChangeUsername)
		case cmdSearchPeer:
			return new(SearchPeerReply)
		case cmdReceiveMessage:
			return new(ReceiveMessage)
		case cmdChangeKey:
			return new(ChangeKey)
		default:
			return nil
		}
	})
}
