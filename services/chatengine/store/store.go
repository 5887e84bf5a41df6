// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements durable persistence for chat sessions and
// messages. It is the source of truth; the conversation cache only mirrors
// it. All mutations are transactional.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/kodiak/services/chatengine/datatypes"
)

// Message roles as persisted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses. Completed, cancelled and error are terminal.
const (
	StatusCompleted  = "completed"
	StatusGenerating = "generating"
	StatusCancelled  = "cancelled"
	StatusError      = "error"
)

// ErrSessionNotFound is returned by reads on unknown or inactive sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrAlreadyGenerating is returned by BeginAssistantMessage when the chat
// already has a message in the generating state. It backs the invariant
// that at most one message per chat is generating at any instant.
var ErrAlreadyGenerating = errors.New("a generation is already in progress for this chat")

// ChatSession is one conversation owned by a user. Sessions are soft
// deleted: Active flips to false, rows are never removed.
type ChatSession struct {
	ChatID        string
	Title         string
	UserID        string
	CreatedAt     time.Time
	LastMessageAt *time.Time
	Active        bool
}

// Message is one turn within a session. Body is mutable only while
// Status is generating.
type Message struct {
	MessageID string
	ChatID    string
	UserID    string
	Role      string
	Body      string
	Status    string
	Cancelled bool
	Deleted   bool
	CreatedAt time.Time
}

// SessionStore is the persistence surface the engine depends on.
type SessionStore interface {
	CreateSession(ctx context.Context, chatID, title, userID string) (*ChatSession, error)
	EnsureSession(ctx context.Context, chatID, title, userID string) (*ChatSession, error)
	GetSession(ctx context.Context, chatID string) (*ChatSession, error)
	ListSessions(ctx context.Context, userID string) ([]*ChatSession, error)
	RenameSession(ctx context.Context, chatID, title string) error
	DeleteSession(ctx context.Context, chatID string) error

	SaveUserMessage(ctx context.Context, chatID, userID, body string) (string, error)
	BeginAssistantMessage(ctx context.Context, chatID, userID string) (string, error)
	FinalizeMessage(ctx context.Context, chatID, messageID, body, status string) error
	MarkCancelled(ctx context.Context, chatID, messageID, body string) error
	MarkError(ctx context.Context, chatID, messageID, body string) error
	InsertCancelledMessage(ctx context.Context, chatID, userID, body string) (string, error)

	ListRecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	LatestMessage(ctx context.Context, chatID string) (*Message, error)
	ClearMessages(ctx context.Context, chatID string) error

	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id         TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP,
	active          INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL REFERENCES chats(chat_id),
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	body       TEXT NOT NULL,
	status     TEXT,
	cancelled  INTEGER NOT NULL DEFAULT 0,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, active);
`

// sqliteStore implements SessionStore over database/sql with the pure-Go
// sqlite driver.
type sqliteStore struct {
	db *sql.DB
}

var _ SessionStore = (*sqliteStore)(nil)

// New opens (creating if needed) a store at path.
func New(path string) (SessionStore, error) {
	return open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

// NewInMemory opens a volatile store, used by tests and local development.
func NewInMemory() (SessionStore, error) {
	return open(":memory:")
}

func open(dsn string) (SessionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.CodeDatabaseConnection, "open session store", err)
	}
	// The sqlite driver serializes writers; a single connection avoids
	// table-lock errors and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, datatypes.WrapError(datatypes.CodeDatabaseQuery, "apply session store schema", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CreateSession(ctx context.Context, chatID, title, userID string) (*ChatSession, error) {
	if chatID == "" {
		chatID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, title, user_id, created_at, active) VALUES (?, ?, ?, ?, 1)`,
		chatID, title, userID, now)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.CodeChatCreate, "create session", err)
	}
	return &ChatSession{ChatID: chatID, Title: title, UserID: userID, CreatedAt: now, Active: true}, nil
}

func (s *sqliteStore) EnsureSession(ctx context.Context, chatID, title, userID string) (*ChatSession, error) {
	sess, err := s.GetSession(ctx, chatID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return s.CreateSession(ctx, chatID, title, userID)
}

func (s *sqliteStore) GetSession(ctx context.Context, chatID string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, title, user_id, created_at, last_message_at, active
		 FROM chats WHERE chat_id = ? AND active = 1`, chatID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, chatID)
	}
	if err != nil {
		return nil, datatypes.WrapError(datatypes.CodeDatabaseQuery, "get session", err)
	}
	return sess, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context, userID string) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, title, user_id, created_at, last_message_at, active
		 FROM chats WHERE user_id = ? AND active = 1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.CodeDatabaseQuery, "list sessions", err)
	}
	defer rows.Close()

	var out []*ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, datatypes.WrapError(datatypes.CodeDatabaseQuery, "scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RenameSession(ctx context.Context, chatID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ? WHERE chat_id = ? AND active = 1`, title, chatID)
	if err != nil {
		return datatypes.WrapError(datatypes.CodeDatabaseQuery, "rename session", err)
	}
	return requireRow(res, chatID)
}

func (s *sqliteStore) DeleteSession(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET active = 0 WHERE chat_id = ? AND active = 1`, chatID)
	if err != nil {
		return datatypes.WrapError(datatypes.CodeChatDelete, "delete session", err)
	}
	return requireRow(res, chatID)
}

func (s *sqliteStore) SaveUserMessage(ctx context.Context, chatID, userID, body string) (string, error) {
	return s.insertMessage(ctx, &Message{
		ChatID: chatID,
		UserID: userID,
		Role:   RoleUser,
		Body:   body,
		Status: StatusCompleted,
	})
}

// BeginAssistantMessage opens a generating row with an empty body. The
// existence check and insert share one transaction so two concurrent
// streams for the same chat cannot both open a row.
func (s *sqliteStore) BeginAssistantMessage(ctx context.Context, chatID, userID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseTransaction, "begin assistant message", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE chat_id = ? AND status = ? AND deleted = 0`,
		chatID, StatusGenerating).Scan(&n)
	if err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseQuery, "check generating state", err)
	}
	if n > 0 {
		return "", ErrAlreadyGenerating
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, chat_id, user_id, role, body, status, created_at)
		 VALUES (?, ?, ?, ?, '', ?, ?)`,
		id, chatID, userID, RoleAssistant, StatusGenerating, now)
	if err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseQuery, "insert assistant message", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message_at = ? WHERE chat_id = ?`, now, chatID); err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseQuery, "touch session", err)
	}
	if err := tx.Commit(); err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseTransaction, "commit assistant message", err)
	}
	return id, nil
}

func (s *sqliteStore) FinalizeMessage(ctx context.Context, chatID, messageID, body, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, status = ? WHERE message_id = ? AND chat_id = ? AND deleted = 0`,
		body, status, messageID, chatID)
	if err != nil {
		return datatypes.WrapError(datatypes.CodeDatabaseQuery, "finalize message", err)
	}
	return requireRow(res, messageID)
}

func (s *sqliteStore) MarkCancelled(ctx context.Context, chatID, messageID, body string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, status = ?, cancelled = 1 WHERE message_id = ? AND chat_id = ? AND deleted = 0`,
		body, StatusCancelled, messageID, chatID)
	if err != nil {
		return datatypes.WrapError(datatypes.CodeDatabaseQuery, "mark message cancelled", err)
	}
	return requireRow(res, messageID)
}

func (s *sqliteStore) MarkError(ctx context.Context, chatID, messageID, body string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, status = ? WHERE message_id = ? AND chat_id = ? AND deleted = 0`,
		body, StatusError, messageID, chatID)
	if err != nil {
		return datatypes.WrapError(datatypes.CodeDatabaseQuery, "mark message error", err)
	}
	return requireRow(res, messageID)
}

// InsertCancelledMessage synthesizes a terminal cancelled row, used when a
// cancel arrives with no assistant row open yet.
func (s *sqliteStore) InsertCancelledMessage(ctx context.Context, chatID, userID, body string) (string, error) {
	return s.insertMessage(ctx, &Message{
		ChatID:    chatID,
		UserID:    userID,
		Role:      RoleAssistant,
		Body:      body,
		Status:    StatusCancelled,
		Cancelled: true,
	})
}

// ListRecentMessages returns the most recent limit messages in ascending
// creation order, excluding cleared ones. Cancelled rows are returned with
// the flag set so context assembly can drop them.
func (s *sqliteStore) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, chat_id, user_id, role, body, status, cancelled, deleted, created_at FROM (
			SELECT * FROM messages WHERE chat_id = ? AND deleted = 0
			ORDER BY created_at DESC, message_id DESC LIMIT ?
		 ) ORDER BY created_at ASC, message_id ASC`,
		chatID, limit)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.CodeHistoryLoad, "list messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, datatypes.WrapError(datatypes.CodeHistoryLoad, "scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestMessage(ctx context.Context, chatID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, chat_id, user_id, role, body, status, cancelled, deleted, created_at
		 FROM messages WHERE chat_id = ? AND deleted = 0
		 ORDER BY created_at DESC, message_id DESC LIMIT 1`, chatID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, datatypes.WrapError(datatypes.CodeDatabaseQuery, "latest message", err)
	}
	return m, nil
}

func (s *sqliteStore) ClearMessages(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1 WHERE chat_id = ?`, chatID)
	if err != nil {
		return datatypes.WrapError(datatypes.CodeDatabaseQuery, "clear messages", err)
	}
	return nil
}

func (s *sqliteStore) insertMessage(ctx context.Context, m *Message) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseTransaction, "insert message", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, chat_id, user_id, role, body, status, cancelled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.ChatID, m.UserID, m.Role, m.Body, m.Status, m.Cancelled, now)
	if err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseQuery, "insert message", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message_at = ? WHERE chat_id = ?`, now, m.ChatID); err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseQuery, "touch session", err)
	}
	if err := tx.Commit(); err != nil {
		return "", datatypes.WrapError(datatypes.CodeDatabaseTransaction, "commit message", err)
	}
	return id, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*ChatSession, error) {
	var s ChatSession
	var last sql.NullTime
	if err := row.Scan(&s.ChatID, &s.Title, &s.UserID, &s.CreatedAt, &last, &s.Active); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		s.LastMessageAt = &t
	}
	return &s, nil
}

func scanMessage(row scannable) (*Message, error) {
	var m Message
	var status sql.NullString
	if err := row.Scan(&m.MessageID, &m.ChatID, &m.UserID, &m.Role, &m.Body, &status, &m.Cancelled, &m.Deleted, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = status.String
	return &m, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return datatypes.WrapError(datatypes.CodeDatabaseQuery, "rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
