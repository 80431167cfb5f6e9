package models

import "time"

// DefaultConversationTitle is the placeholder assigned to a conversation
// until its title is derived from the first user message.
const DefaultConversationTitle = "New Conversation"

// Conversation groups an ordered thread of messages. It belongs to exactly
// one user and stays bound to the configuration it was created with.
type Conversation struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ConfigID      int64      `json:"config_id"`
	Title         string     `json:"title"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_date,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
