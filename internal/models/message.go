package models

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn inside a conversation. Messages are immutable once
// stored; they disappear only when their conversation is cleared or deleted.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// EstimateTokens approximates the token count of a message body as one token
// per four characters. Intentionally coarse; not a tokenizer.
func EstimateTokens(content string) int {
	return utf8.RuneCountInString(content) / 4
}
