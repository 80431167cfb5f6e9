package models

import "time"

// Defaults mirror an out-of-the-box Ollama install.
const (
	DefaultEndpoint       = "http://localhost:11434/v1/chat/completions"
	DefaultModelName      = "llama3.2"
	DefaultSystemPrompt   = "You are a helpful AI assistant. Help users with their tasks, answer questions, and provide insights. Keep responses clear, concise, and professional."
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 2048
	DefaultMaxHistory     = 50
	DefaultTimeoutMS      = 120000
	MinResponseTokens     = 128
	MaxResponseTokens     = 32768
	MinTemperature        = 0.0
	MaxTemperature        = 2.0
)

// LLMConfig identifies one upstream chat-completion endpoint together with
// its generation parameters. UserID is nil for system-wide configurations.
//
// Token holds the decrypted API token. It is computed from TokenCipher on
// read and encrypted back on write; neither field is ever serialized.
type LLMConfig struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Sequence           int       `json:"sequence"`
	Active             bool      `json:"active"`
	Endpoint           string    `json:"endpoint"`
	TokenCipher        string    `json:"-"`
	Token              string    `json:"-"`
	ModelName          string    `json:"model_name"`
	Temperature        float64   `json:"temperature"`
	MaxTokens          int       `json:"max_tokens"`
	SystemPrompt       string    `json:"system_prompt"`
	MaxHistoryMessages int       `json:"max_history_messages"`
	RequestTimeoutMS   int       `json:"request_timeout_ms"`
	IsDefault          bool      `json:"is_default"`
	UserID             *int64    `json:"user_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Timeout returns the request timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}
