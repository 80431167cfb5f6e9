package events

import (
	"encoding/json"
	"log"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one structured log record: a state transition or an error
// classification inside a component. Detail carries internal diagnostics
// (exception text, upstream bodies) and must never reach a caller.
type Event struct {
	Name           string `json:"event"`
	Level          Level  `json:"level"`
	RequestID      string `json:"request_id,omitempty"`
	UserID         int64  `json:"user_id,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	ConfigID       int64  `json:"config_id,omitempty"`
	Status         int    `json:"status,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Logger is injected into every component that reports state transitions.
type Logger interface {
	Emit(Event)
}

// StdLogger writes events as single-line JSON through the standard logger.
type StdLogger struct{}

func NewStdLogger() *StdLogger {
	return &StdLogger{}
}

func (l *StdLogger) Emit(evt Event) {
	if evt.Level == "" {
		evt.Level = LevelInfo
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("events: marshal %s failed: %v", evt.Name, err)
		return
	}
	log.Printf("%s", data)
}

// NopLogger discards events; used in tests.
type NopLogger struct{}

func (NopLogger) Emit(Event) {}
