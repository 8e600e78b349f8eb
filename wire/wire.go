// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the framed wire protocol: a fixed-width ASCII
// decimal length header followed by a CBOR command payload.  It is the
// single chokepoint for all client to server traffic.
package wire

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Oldmacintosh/PeerChat/wire/commands"
)

const (
	// HeaderLength is the size of the frame length header in bytes.  The
	// header holds the payload length in ASCII decimal, right-padded with
	// spaces.
	HeaderLength = 64

	// MaxPayloadSize is the maximum frame payload this implementation will
	// accept.
	MaxPayloadSize = 16 * 1024 * 1024

	// Project is the protocol identifier sent as part of the version tag.
	Project = "PeerChat"

	// DebugIdentity is the identity token sentinel used instead of a MAC
	// address by debug builds.
	DebugIdentity = Project

	// Handshake and validation literals.
	StatusConnected        = "Connected"
	StatusRegistered       = "registered"
	StatusUnregistered     = "unregistered"
	StatusUsernameAccepted = "username accepted"
	StatusSyncComplete     = "sync complete"
	MsgInvalidUsername     = "invalid username"
	MsgUsernameTaken       = "This username is already taken"
)

// SupportedVersions is the whitelist of protocol versions the server
// accepts.
var SupportedVersions = []string{"v1.1.0", "v1.1.1"}

// CurrentVersion is the protocol version announced by this client.
const CurrentVersion = "v1.1.1"

var (
	// ErrMalformedHeader is the error returned when a length header does
	// not parse as a decimal integer.
	ErrMalformedHeader = errors.New("wire: malformed length header")

	// ErrPayloadTooLarge is the error returned when a length header exceeds
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")

	// ErrUnexpectedCommand is the error returned when a well formed command
	// is received at a point in the protocol where it is not valid.
	ErrUnexpectedCommand = errors.New("wire: unexpected command")
)

// VersionTag returns the raw protocol tag for the given version, for
// example "PeerChat_v1.1.1".  The tag is sent unframed as the first bytes
// of every connection.
func VersionTag(version string) string {
	return fmt.Sprintf("%s_%s", Project, version)
}

// IsSupportedVersionTag reports whether tag matches a whitelisted version.
func IsSupportedVersionTag(tag string) bool {
	for _, v := range SupportedVersions {
		if tag == VersionTag(v) {
			return true
		}
	}
	return false
}

// WriteFrame writes a length header followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	hdr := make([]byte, HeaderLength)
	n := copy(hdr, strconv.Itoa(len(payload)))
	for i := n; i < HeaderLength; i++ {
		hdr[i] = ' '
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a length header and then exactly that many payload bytes.
// It blocks until the full frame is available.  A closed transport surfaces
// as an io error, never as an empty frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimRight(string(hdr), " "))
	if err != nil || n < 0 {
		return nil, ErrMalformedHeader
	}
	if n > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SendCommand serializes and frames the command onto w.
func SendCommand(w io.Writer, cmd commands.Command) error {
	b, err := cmd.ToBytes()
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// RecvClientCommand reads one frame from a client connection and parses it.
func RecvClientCommand(r io.Reader) (commands.Command, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return commands.FromClientBytes(b)
}

// RecvServerCommand reads one frame from a server connection and parses it.
func RecvServerCommand(r io.Reader) (commands.Command, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return commands.FromServerBytes(b)
}

// SendText frames the string s as a Text command.
func SendText(w io.Writer, s string) error {
	return SendCommand(w, &commands.Text{Value: s})
}

// RecvClientText reads one frame from a client connection and requires it
// to be a Text command.
func RecvClientText(r io.Reader) (string, error) {
	cmd, err := RecvClientCommand(r)
	if err != nil {
		return "", err
	}
	t, ok := cmd.(*commands.Text)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnexpectedCommand, cmd)
	}
	return t.Value, nil
}

// RecvServerText reads one frame from a server connection and requires it
// to be a Text command.
func RecvServerText(r io.Reader) (string, error) {
	cmd, err := RecvServerCommand(r)
	if err != nil {
		return "", err
	}
	t, ok := cmd.(*commands.Text)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnexpectedCommand, cmd)
	}
	return t.Value, nil
}
