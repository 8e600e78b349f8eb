// SPDX-FileCopyrightText: Copyright (C) 2024 Oldmacintosh
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements the relay's durable state: the users and
// chats tables plus one dynamically created message table per chat.  Every
// mutating call commits synchronously before returning.  A Store is safe
// for concurrent use by the session goroutines; database/sql pools the
// underlying sqlite connections.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNoUser is the error returned when a user lookup finds nothing.
	ErrNoUser = errors.New("storage: no such user")

	// ErrBadChatID is the error returned when a chat id does not have the
	// chat_<id>_<id> shape.  Chat ids name tables, so anything else is
	// rejected before it reaches SQL.
	ErrBadChatID = errors.New("storage: malformed chat id")

	chatIDPattern = regexp.MustCompile(`^chat_[0-9]+_[0-9]+$`)
)

// User is a row of the users table.
type User struct {
	UserID   uint64
	IP       string
	MAC      string
	Username string
	Key      string
}

// Chat is a row of the chats table.
type Chat struct {
	ChatID string
	User1  uint64
	User2  uint64
}

// Message is a row of a per-chat message table.
type Message struct {
	MessageID  uint64
	SenderID   uint64
	Ciphertext string
	Timestamp  string
	Unread     bool
}

// ChatSummary is a chat as seen by one participant, with its recent
// history in ascending order.
type ChatSummary struct {
	ChatID   string
	IsUser1  bool
	Peer     User
	Messages []Message
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and ensures the base schema
// exists.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err = s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	const query = `
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT,
		mac TEXT,
		username TEXT UNIQUE,
		key TEXT,
		UNIQUE (ip, mac)
	);

	CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		user_1 INTEGER,
		user_2 INTEGER,
		FOREIGN KEY (user_1) REFERENCES users(user_id),
		FOREIGN KEY (user_2) REFERENCES users(user_id)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// AddUser inserts a user and returns the stored row.
func (s *Store) AddUser(ip, mac, username, key string) (*User, error) {
	_, err := s.db.Exec("INSERT INTO users (ip, mac, username, key) VALUES (?, ?, ?, ?)",
		ip, mac, username, key)
	if err != nil {
		return nil, err
	}
	return s.GetUserByAddr(ip, mac)
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.IP, &u.MAC, &u.Username, &u.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoUser
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByAddr looks a user up by the unique (ip, mac) pair.
func (s *Store) GetUserByAddr(ip, mac string) (*User, error) {
	row := s.db.QueryRow("SELECT user_id, ip, mac, username, key FROM users WHERE ip = ? AND mac = ?", ip, mac)
	return s.scanUser(row)
}

// GetUserByID looks a user up by id.
func (s *Store) GetUserByID(id uint64) (*User, error) {
	row := s.db.QueryRow("SELECT user_id, ip, mac, username, key FROM users WHERE user_id = ?", id)
	return s.scanUser(row)
}

// SearchUsers returns the users whose username contains the given
// substring.  The match list may be empty.
func (s *Store) SearchUsers(username string) ([]User, error) {
	rows, err := s.db.Query("SELECT user_id, ip, mac, username, key FROM users WHERE username LIKE ?",
		"%"+username+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.IP, &u.MAC, &u.Username, &u.Key); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ValidateUsername reports whether the username is not yet taken.  The
// comparison is case-sensitive exact match.
func (s *Store) ValidateUsername(username string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// ChangeUsername updates a user's username.
func (s *Store) ChangeUsername(id uint64, username string) error {
	_, err := s.db.Exec("UPDATE users SET username = ? WHERE user_id = ?", username, id)
	return err
}

// ChangeKey updates a user's public key.
func (s *Store) ChangeKey(id uint64, key string) error {
	_, err := s.db.Exec("UPDATE users SET key = ? WHERE user_id = ?", key, id)
	return err
}

// CreateChat returns the chat for the unordered pair (userID, peerID),
// creating it (and its message table) on first use.  The chat id derives
// from the ids in creation order; callers learn their side from the
// returned row.
func (s *Store) CreateChat(userID, peerID uint64) (*Chat, error) {
	chat, err := s.getChatByPair(userID, peerID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	chatID := fmt.Sprintf("chat_%d_%d", userID, peerID)
	if _, err = s.db.Exec("INSERT INTO chats (chat_id, user_1, user_2) VALUES (?, ?, ?)",
		chatID, userID, peerID); err != nil {
		return nil, err
	}

	// The chat id and participant ids come from rows we just wrote, but
	// they are interpolated into DDL, so check the shape anyway.
	if !chatIDPattern.MatchString(chatID) {
		return nil, ErrBadChatID
	}
	table := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		message_id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER,
		message TEXT,
		dt TEXT,
		unread BOOLEAN,
		FOREIGN KEY (sender_id) REFERENCES users(user_id),
		CHECK (sender_id = %d OR sender_id = %d)
	);`, chatID, userID, peerID)
	if _, err = s.db.Exec(table); err != nil {
		return nil, err
	}
	return &Chat{ChatID: chatID, User1: userID, User2: peerID}, nil
}

func (s *Store) getChatByPair(a, b uint64) (*Chat, error) {
	var c Chat
	err := s.db.QueryRow(
		"SELECT chat_id, user_1, user_2 FROM chats WHERE (user_1 = ? AND user_2 = ?) OR (user_1 = ? AND user_2 = ?)",
		a, b, b, a).Scan(&c.ChatID, &c.User1, &c.User2)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChat looks a chat up by id.
func (s *Store) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := s.db.QueryRow("SELECT chat_id, user_1, user_2 FROM chats WHERE chat_id = ?",
		chatID).Scan(&c.ChatID, &c.User1, &c.User2)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: no such chat: %s", chatID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AddMessage appends a message to the chat's table and returns its id.
func (s *Store) AddMessage(chatID string, senderID uint64, ciphertext, dt string, unread bool) (uint64, error) {
	if !chatIDPattern.MatchString(chatID) {
		return 0, ErrBadChatID
	}
	res, err := s.db.Exec(
		fmt.Sprintf("INSERT INTO %s (sender_id, message, dt, unread) VALUES (?, ?, ?, ?)", chatID),
		senderID, ciphertext, dt, unread)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetMessage fetches a single message from a chat's table.
func (s *Store) GetMessage(chatID string, messageID uint64) (*Message, error) {
	if !chatIDPattern.MatchString(chatID) {
		return nil, ErrBadChatID
	}
	var m Message
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT message_id, sender_id, message, dt, unread FROM %s WHERE message_id = ?", chatID),
		messageID).Scan(&m.MessageID, &m.SenderID, &m.Ciphertext, &m.Timestamp, &m.Unread)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetUserChats returns every chat the user participates in, each carrying
// its most recent 50 messages in ascending order.
func (s *Store) GetUserChats(userID uint64) ([]ChatSummary, error) {
	rows, err := s.db.Query("SELECT chat_id, user_1, user_2 FROM chats WHERE user_1 = ? OR user_2 = ?",
		userID, userID)
	if err != nil {
		return nil, err
	}
	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.User1, &c.User2); err != nil {
			rows.Close()
			return nil, err
		}
		chats = append(chats, c)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var summaries []ChatSummary
	for _, c := range chats {
		isUser1 := c.User1 == userID
		peerID := c.User2
		if !isUser1 {
			peerID = c.User1
		}
		peer, err := s.GetUserByID(peerID)
		if err != nil {
			return nil, err
		}
		msgs, err := s.recentMessages(c.ChatID, 50)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, ChatSummary{
			ChatID:   c.ChatID,
			IsUser1:  isUser1,
			Peer:     *peer,
			Messages: msgs,
		})
	}
	return summaries, nil
}

func (s *Store) recentMessages(chatID string, limit int) ([]Message, error) {
	if !chatIDPattern.MatchString(chatID) {
		return nil, ErrBadChatID
	}
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT message_id, sender_id, message, dt, unread FROM %s ORDER BY message_id DESC LIMIT ?", chatID),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.SenderID, &m.Ciphertext, &m.Timestamp, &m.Unread); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Newest-last.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ReadMessages clears the unread flag for every message of the chat.
func (s *Store) ReadMessages(chatID string) error {
	if !chatIDPattern.MatchString(chatID) {
		return ErrBadChatID
	}
	_, err := s.db.Exec(fmt.Sprintf("UPDATE %s SET unread = 0 WHERE unread = 1", chatID))
	return err
}
