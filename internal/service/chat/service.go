package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"localchat/internal/events"
	"localchat/internal/llm"
	"localchat/internal/models"
	"localchat/internal/ratelimit"
	"localchat/internal/service/llmconf"
)

// MaxMessageLength bounds a single user message, in characters.
const MaxMessageLength = 10000

// titleLimit is where auto-derived conversation titles get cut.
const titleLimit = 50

// Completer is the slice of the completion client the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, cfg *models.LLMConfig, msgs []llm.Message) (string, error)
}

// Service orchestrates chat turns and owns conversation/message persistence.
type Service struct {
	db      *sql.DB
	configs *llmconf.Service
	llm     Completer
	limiter *ratelimit.Limiter
	log     events.Logger
}

func NewService(db *sql.DB, configs *llmconf.Service, completer Completer, limiter *ratelimit.Limiter, log events.Logger) *Service {
	return &Service{db: db, configs: configs, llm: completer, limiter: limiter, log: log}
}

// TurnResult is the outcome of a successful chat turn.
type TurnResult struct {
	ConversationID int64  `json:"conversation_id"`
	Response       string `json:"response"`
}

// Chat runs one turn: validate, admit, resolve the conversation, persist the
// user message, assemble bounded history, call upstream, persist the reply.
// Every failure is a terminal *Error; nothing is retried and the caller
// decides whether to resubmit.
func (s *Service) Chat(ctx context.Context, userID, conversationID int64, content string) (result *TurnResult, err error) {
	requestID := uuid.NewString()

	// The orchestrator is the last line between internal faults and the
	// caller: whatever escapes a step becomes a generic internal error.
	defer func() {
		if r := recover(); r != nil {
			s.log.Emit(events.Event{
				Name:      "chat.panic",
				Level:     events.LevelError,
				RequestID: requestID,
				UserID:    userID,
				Detail:    fmt.Sprintf("recovered: %v", r),
			})
			result, err = nil, internalError(fmt.Errorf("panic: %v", r))
		}
	}()

	// Validating.
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalidInput("Message cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		s.log.Emit(events.Event{
			Name:      "chat.message_too_long",
			Level:     events.LevelWarn,
			RequestID: requestID,
			UserID:    userID,
		})
		return nil, invalidInput(fmt.Sprintf("Message too long. Maximum %d characters allowed", MaxMessageLength))
	}

	// RateLimitCheck.
	if !s.limiter.Admit(ctx, userID) {
		s.log.Emit(events.Event{
			Name:      "chat.rate_limited",
			Level:     events.LevelWarn,
			RequestID: requestID,
			UserID:    userID,
		})
		return nil, rateLimited()
	}

	// ResolvingConversation.
	conv, cfg, cerr := s.resolveConversation(ctx, requestID, userID, conversationID)
	if cerr != nil {
		return nil, cerr
	}

	// Persisting the user turn before assembly so it lands in the window.
	if _, err := s.appendMessage(ctx, conv.ID, models.RoleUser, content); err != nil {
		return nil, internalError(err)
	}

	// Assembling.
	msgs, err := s.conversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, internalError(err)
	}
	history := buildHistory(cfg, msgs)

	// CallingUpstream. A failed call ends the turn with no assistant
	// message; the user message stays recorded.
	reply, err := s.llm.Complete(ctx, cfg, history)
	if err != nil {
		var uerr *llm.Error
		if errors.As(err, &uerr) {
			return nil, fromUpstream(uerr)
		}
		return nil, internalError(err)
	}

	// Persisting the assistant turn.
	if _, err := s.appendMessage(ctx, conv.ID, models.RoleAssistant, reply); err != nil {
		return nil, internalError(err)
	}

	if err := s.maybeDeriveTitle(ctx, conv, content); err != nil {
		// Title derivation is cosmetic; the turn already succeeded.
		s.log.Emit(events.Event{
			Name:           "chat.title_rename_failed",
			Level:          events.LevelWarn,
			RequestID:      requestID,
			ConversationID: conv.ID,
			Detail:         err.Error(),
		})
	}

	s.log.Emit(events.Event{
		Name:           "chat.turn_done",
		RequestID:      requestID,
		UserID:         userID,
		ConversationID: conv.ID,
		ConfigID:       cfg.ID,
	})
	return &TurnResult{ConversationID: conv.ID, Response: reply}, nil
}

// resolveConversation loads and authorizes an existing conversation, or
// creates a new one bound to the resolved default configuration.
func (s *Service) resolveConversation(ctx context.Context, requestID string, userID, conversationID int64) (*models.Conversation, *models.LLMConfig, *Error) {
	if conversationID > 0 {
		conv, err := s.loadConversation(ctx, conversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.log.Emit(events.Event{
					Name:           "chat.conversation_not_found",
					Level:          events.LevelWarn,
					RequestID:      requestID,
					UserID:         userID,
					ConversationID: conversationID,
				})
				return nil, nil, notFound()
			}
			return nil, nil, internalError(err)
		}
		if conv.UserID != userID {
			s.logUnauthorized(userID, conversationID)
			return nil, nil, unauthorized()
		}
		cfg, err := s.configs.Get(ctx, conv.ConfigID)
		if err != nil {
			return nil, nil, internalError(fmt.Errorf("load bound config: %w", err))
		}
		return conv, cfg, nil
	}

	cfg, err := s.configs.ResolveDefault(ctx, userID)
	if err != nil {
		if errors.Is(err, llmconf.ErrNotConfigured) {
			s.log.Emit(events.Event{
				Name:      "chat.not_configured",
				Level:     events.LevelError,
				RequestID: requestID,
				UserID:    userID,
			})
			return nil, nil, notConfigured()
		}
		return nil, nil, internalError(err)
	}
	conv, err := s.createConversation(ctx, userID, cfg.ID)
	if err != nil {
		return nil, nil, internalError(err)
	}
	s.log.Emit(events.Event{
		Name:           "chat.conversation_created",
		RequestID:      requestID,
		UserID:         userID,
		ConversationID: conv.ID,
		ConfigID:       cfg.ID,
	})
	return conv, cfg, nil
}

// maybeDeriveTitle renames the conversation from the first user message once
// exactly two messages exist and the title is still the placeholder.
func (s *Service) maybeDeriveTitle(ctx context.Context, conv *models.Conversation, userContent string) error {
	if conv.Title != models.DefaultConversationTitle {
		return nil
	}
	count, err := s.countMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	if count != 2 {
		return nil
	}
	return s.renameConversation(ctx, conv.ID, deriveTitle(userContent))
}

// deriveTitle truncates a message to the title limit, appending an ellipsis
// when anything was cut.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}

// logUnauthorized records a cross-user access attempt. Distinct from a plain
// not-found: this is a security-relevant event.
func (s *Service) logUnauthorized(userID, conversationID int64) {
	s.log.Emit(events.Event{
		Name:           "chat.unauthorized_access",
		Level:          events.LevelError,
		UserID:         userID,
		ConversationID: conversationID,
		Detail:         "conversation belongs to another user",
	})
}
