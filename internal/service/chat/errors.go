package chat

import "localchat/internal/llm"

// Kind enumerates every failure a caller can observe. The set is closed;
// anything that does not classify becomes KindInternal.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindRateLimited        Kind = "rate_limited"
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindNotConfigured      Kind = "not_configured"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindUpstreamConnection Kind = "upstream_connection"
	KindUpstreamStatus     Kind = "upstream_status"
	KindUpstreamProtocol   Kind = "upstream_protocol"
	KindUpstreamRequest    Kind = "upstream_request"
	KindInternal           Kind = "internal"
)

// Error is a terminal turn outcome. Message is always safe to show the
// caller; the internal cause stays wrapped and only reaches the event log.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func invalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

func rateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "Too many requests. Please wait a moment and try again"}
}

func notFound() *Error {
	return &Error{Kind: KindNotFound, Message: "Conversation not found"}
}

func unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Message: "Unauthorized access"}
}

func notConfigured() *Error {
	return &Error{Kind: KindNotConfigured, Message: "No LLM configuration found. Please configure an LLM first."}
}

func internalError(cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: "An unexpected error occurred. Please try again later",
		cause:   cause,
	}
}

// fromUpstream carries a classified completion failure to the caller with
// the client's sanitized message.
func fromUpstream(e *llm.Error) *Error {
	kind := KindUpstreamRequest
	switch e.Kind {
	case llm.KindTimeout:
		kind = KindUpstreamTimeout
	case llm.KindConnection:
		kind = KindUpstreamConnection
	case llm.KindStatus:
		kind = KindUpstreamStatus
	case llm.KindProtocol:
		kind = KindUpstreamProtocol
	}
	return &Error{Kind: kind, Message: e.UserMessage(), cause: e}
}
