// Package message persists the per-session append-only message log.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pollchat/internal/keylock"
	"pollchat/internal/models"
)

// DefaultLimit is the size of the recent-messages window.
const DefaultLimit = 50

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrInvalidSession = errors.New("invalid session")
	ErrStorageFailure = errors.New("message storage failure")
)

// Store appends and lists messages in SQL. Appends within one session are
// serialized so ids and created_at never go backwards in insertion order.
type Store struct {
	db    *sql.DB
	locks *keylock.Map
	now   func() time.Time
}

// NewStore builds a store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, locks: keylock.New(), now: time.Now}
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Append stores body as a new message authored by authorID.
func (s *Store) Append(ctx context.Context, sessionID, authorID int64, body string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if sessionID <= 0 {
		return nil, ErrInvalidSession
	}

	unlock := s.locks.Lock(strconv.FormatInt(sessionID, 10))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w: %w", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id = ?)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify session: %w: %w", ErrStorageFailure, err)
	}
	if !exists {
		return nil, ErrInvalidSession
	}

	createdAt := s.now().UTC()
	var last time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read last message: %w: %w", ErrStorageFailure, err)
	case createdAt.Before(last):
		createdAt = last.UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, user_id, body, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, authorID, body, createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w: %w", ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w: %w", ErrStorageFailure, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, createdAt, sessionID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w: %w", ErrStorageFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w: %w", ErrStorageFailure, err)
	}

	return &models.Message{
		ID:        id,
		SessionID: sessionID,
		UserID:    authorID,
		Body:      body,
		CreatedAt: createdAt,
	}, nil
}

// RecentMessages returns up to limit messages of the session, newest first.
// A non-positive limit means DefaultLimit.
func (s *Store) RecentMessages(ctx context.Context, sessionID int64, limit int) ([]models.Message, error) {
	if sessionID <= 0 {
		return nil, ErrInvalidSession
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, body, created_at FROM messages
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w: %w", ErrStorageFailure, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w: %w", ErrStorageFailure, err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w: %w", ErrStorageFailure, err)
	}
	return messages, nil
}
