// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Oldmacintosh/PeerChat/client"
	"github.com/Oldmacintosh/PeerChat/client/config"
)

func main() {
	cfgFile := flag.String("f", "peerchat-client.toml", "Path to the client config file.")
	flag.Parse()

	syscall.Umask(0077)

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	c, err := client.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(-1)
	}
	defer c.Shutdown()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	// A single goroutine owns stdin; every consumer reads lines from
	// lineCh.
	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		stdin := bufio.NewScanner(os.Stdin)
		for stdin.Scan() {
			lineCh <- stdin.Text()
		}
	}()

	// Sessions come and go: registration and username changes both end
	// with a reconnect.
	for {
		again, err := runSession(c, lineCh, haltCh)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Session failed: %v\n", err)
			os.Exit(-1)
		}
		if !again {
			return
		}
	}
}

// runSession drives one connection to the server.  It reports whether the
// caller should reconnect.
func runSession(c *client.Client, lineCh <-chan string, haltCh <-chan os.Signal) (bool, error) {
	s, err := c.NewSession(context.Background())
	if err != nil {
		return false, err
	}
	defer s.Shutdown()

	if s.NeedsRegistration() {
		fmt.Println("No account on this server yet.")
		if !negotiateUsername(s, lineCh) {
			return false, nil
		}
		// The server knows us now; reconnect as a registered user.
		return true, nil
	}

	fmt.Printf("Connected as %s (user %d)\n", s.Username(), s.UserID())
	for _, chat := range s.Chats() {
		printChat(chat)
	}

	for {
		select {
		case <-haltCh:
			return false, nil
		case ev := <-s.Events():
			switch ev := ev.(type) {
			case *client.ChatCreatedEvent:
				printChat(ev.Chat)
			case *client.MessageReceivedEvent:
				fmt.Printf("[%s] %d: %s\n", ev.ChatID, ev.Message.SenderID, renderPlaintext(ev.Message.Plaintext))
			case *client.SearchResultsEvent:
				for _, u := range ev.Users {
					fmt.Printf("  %d  %s\n", u.UserID, u.Username)
				}
			case *client.UsernameChangeEvent:
				fmt.Println("Pick a new username.")
				if !negotiateUsername(s, lineCh) {
					return false, nil
				}
				return true, nil
			case *client.SessionEndedEvent:
				if ev.Err != nil {
					return false, ev.Err
				}
				fmt.Println("Session ended.")
				return false, nil
			}
		case line, ok := <-lineCh:
			if !ok {
				return false, nil
			}
			if err := dispatch(s, line); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
	}
}

func dispatch(s *client.Session, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "/search":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /search <username>")
		}
		return s.SearchPeer(fields[1])
	case "/chat":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /chat <peer-id>")
		}
		peerID, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}
		return s.CreateChat(peerID)
	case "/send":
		if len(fields) < 4 {
			return fmt.Errorf("usage: /send <chat-id> <peer-id> <message>")
		}
		peerID, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return err
		}
		return s.SendMessage(fields[1], peerID, strings.Join(fields[3:], " "))
	case "/read":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /read <chat-id>")
		}
		return s.ReadMessages(fields[1])
	case "/rename":
		return s.RequestUsernameChange()
	default:
		return fmt.Errorf("unknown command '%s'", fields[0])
	}
}

// negotiateUsername reads candidate usernames from lineCh until the
// server accepts one.  It reports whether a username was accepted.
func negotiateUsername(s *client.Session, lineCh <-chan string) bool {
	for {
		fmt.Print("Username: ")
		line, ok := <-lineCh
		if !ok {
			return false
		}
		username := strings.TrimSpace(line)
		if username == "" {
			continue
		}
		accepted, reason, err := s.SubmitUsername(username)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return false
		}
		if accepted {
			return true
		}
		fmt.Println(reason)
	}
}

func printChat(chat *client.Chat) {
	fmt.Printf("Chat %s with %s (peer %d), %d messages\n",
		chat.ChatID, chat.PeerUsername, chat.PeerID, len(chat.Messages))
	for _, m := range chat.Messages {
		fmt.Printf("  %s  %d: %s\n", m.Timestamp, m.SenderID, renderPlaintext(m.Plaintext))
	}
}

func renderPlaintext(plaintext []byte) string {
	if plaintext == nil {
		return "<unable to decrypt>"
	}
	return string(plaintext)
}
