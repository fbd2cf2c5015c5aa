package models

import "time"

const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// Session is a chat conversation scoped to a user, a product, or an arbitrary context.
type Session struct {
	ID           int64     `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	ProductID    int64     `json:"product_id,omitempty"`
	AllowedRoles []string  `json:"allowed_roles,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
