// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"

	"github.com/Oldmacintosh/PeerChat/wire/commands"
)

// Event is the generic event sent over the event listener channel.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// DecryptedMessage is a stored message together with its decryption
// outcome.  A nil Plaintext means the plaintext is unavailable: either
// decryption failed or the ciphertext was sealed to a key this client
// does not hold.
type DecryptedMessage struct {
	commands.Message

	Plaintext []byte
}

// Chat is a conversation as seen by this client.
type Chat struct {
	ChatID       string
	IsUser1      bool
	PeerID       uint64
	PeerUsername string
	PeerKey      string
	Messages     []DecryptedMessage
}

// ChatCreatedEvent is the event sent when a chat is announced by the
// server, either live or as part of the sync stream.
type ChatCreatedEvent struct {
	Chat *Chat
}

// String returns a string representation of the ChatCreatedEvent.
func (e *ChatCreatedEvent) String() string {
	return fmt.Sprintf("ChatCreated: %s (peer %d)", e.Chat.ChatID, e.Chat.PeerID)
}

// MessageReceivedEvent is the event sent when a peer's message is relayed
// to this session.
type MessageReceivedEvent struct {
	ChatID  string
	Message DecryptedMessage
}

// String returns a string representation of the MessageReceivedEvent.
func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("MessageReceived: %s message %d", e.ChatID, e.Message.MessageID)
}

// SearchResultsEvent is the event sent when a peer search reply arrives.
type SearchResultsEvent struct {
	Users []commands.UserSummary
}

// String returns a string representation of the SearchResultsEvent.
func (e *SearchResultsEvent) String() string {
	return fmt.Sprintf("SearchResults: %d users", len(e.Users))
}

// UsernameChangeEvent is the event sent when the server acknowledges a
// username change request.  The receive loop has stopped when this event
// is delivered; drive SubmitUsername to negotiate the new name, then
// reconnect.
type UsernameChangeEvent struct{}

// String returns a string representation of the UsernameChangeEvent.
func (e *UsernameChangeEvent) String() string {
	return "UsernameChange"
}

// PeerKeyChangedEvent is the event sent when a peer rotated their
// keypair.  The new key is already recorded in the conversation cache.
type PeerKeyChangedEvent struct {
	PeerID uint64
}

// String returns a string representation of the PeerKeyChangedEvent.
func (e *PeerKeyChangedEvent) String() string {
	return fmt.Sprintf("PeerKeyChanged: %d", e.PeerID)
}

// SessionEndedEvent is the event sent when the receive loop terminates.
// A nil Err is a normal session end.
type SessionEndedEvent struct {
	Err error
}

// String returns a string representation of the SessionEndedEvent.
func (e *SessionEndedEvent) String() string {
	if e.Err == nil {
		return "SessionEnded"
	}
	return fmt.Sprintf("SessionEnded: %v", e.Err)
}
