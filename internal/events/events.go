// Package events publishes chat activity to a message broker.
package events

import (
	"context"
	"time"

	"pollchat/internal/models"
)

const TypeMessageCreated = "message.created"

// MessageCreated is emitted after a message has been durably appended.
type MessageCreated struct {
	Type      string    `json:"type"`
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	UserID    int64     `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessageCreated builds the event for msg.
func NewMessageCreated(msg *models.Message) MessageCreated {
	return MessageCreated{
		Type:      TypeMessageCreated,
		ID:        msg.ID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	}
}

type Publisher interface {
	PublishMessageCreated(ctx context.Context, evt MessageCreated) error
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishMessageCreated(context.Context, MessageCreated) error { return nil }
