package domain

import (
	"time"
)

// User represents an account in the system with its consultation balance.
// ChatsLeft is never negative; all mutation goes through the ledger.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	ChatsLeft  int       `json:"chats_left"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CanConsult reports whether the user has at least one consultation left.
func (u *User) CanConsult() bool {
	return u.ChatsLeft > 0
}
