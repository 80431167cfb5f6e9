package llm

import "fmt"

// Kind classifies an upstream failure. The set is closed: every fault in the
// completion path maps to exactly one kind, and only the kind's templated
// message ever reaches a caller.
type Kind string

const (
	KindTimeout    Kind = "upstream_timeout"
	KindConnection Kind = "upstream_connection"
	KindStatus     Kind = "upstream_status"
	KindProtocol   Kind = "upstream_protocol"
	KindRequest    Kind = "upstream_request"
)

// Error is a classified upstream failure. Error() carries internal detail for
// logs; UserMessage() is the only string that may be shown to a caller.
type Error struct {
	Kind       Kind
	StatusCode int
	detail     string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.detail)
}

// UserMessage returns the sanitized caller-facing text for this failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTimeout:
		return "Request timeout. The LLM took too long to respond. Please try again."
	case KindConnection:
		return "Cannot connect to LLM server. Please check the configuration."
	case KindStatus:
		return fmt.Sprintf("LLM server returned error (status %d). Please try again or contact support.", e.StatusCode)
	case KindProtocol:
		return "Unexpected response from LLM server."
	default:
		return "Error communicating with LLM server. Please try again."
	}
}
