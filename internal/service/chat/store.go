package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"localchat/internal/models"
)

// listLimit caps how many conversations the listing returns.
const listLimit = 50

// createConversation inserts a new conversation bound to the given
// configuration. The binding never changes afterwards.
func (s *Service) createConversation(ctx context.Context, userID, configID int64) (*models.Conversation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, config_id, title, active, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		userID, configID, models.DefaultConversationTitle, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		UserID:    userID,
		ConfigID:  configID,
		Title:     models.DefaultConversationTitle,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// loadConversation fetches an active conversation by id regardless of owner;
// the caller decides between not-found and unauthorized.
func (s *Service) loadConversation(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, config_id, title, active, created_at, updated_at
		 FROM conversations WHERE id = ? AND active = 1`,
		conversationID,
	).Scan(&conv.ID, &conv.UserID, &conv.ConfigID, &conv.Title, &conv.Active, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the caller's active conversations with derived
// message counts and last-message timestamps, newest activity first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	// The newest message is joined as a real column rather than selected
	// through an aggregate: sqlite drops the declared type on expression
	// columns, which would hand the timestamp back as a bare string.
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.config_id, c.title, c.active, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			newest.created_at
		 FROM conversations c
		 LEFT JOIN messages newest ON newest.id = (
			SELECT m.id FROM messages m WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC LIMIT 1
		 )
		 WHERE c.user_id = ? AND c.active = 1
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT ?`,
		userID, listLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var (
			conv models.Conversation
			last sql.NullTime
		)
		if err := rows.Scan(
			&conv.ID, &conv.UserID, &conv.ConfigID, &conv.Title, &conv.Active,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount, &last,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if last.Valid {
			t := last.Time
			conv.LastMessageAt = &t
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// Messages returns a conversation's messages in creation order, with the
// same ownership discipline as the chat path.
func (s *Service) Messages(ctx context.Context, userID, conversationID int64) ([]models.Message, error) {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.conversationMessages(ctx, conversationID)
}

// ClearConversation purges every message from a caller-owned conversation.
func (s *Service) ClearConversation(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID,
	); err != nil {
		return internalError(fmt.Errorf("clear messages: %w", err))
	}
	return nil
}

// DeleteConversation soft-deletes a caller-owned conversation and purges its
// messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active = 0, updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return internalError(fmt.Errorf("delete conversation: %w", err))
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID,
	); err != nil {
		return internalError(fmt.Errorf("purge messages: %w", err))
	}
	return nil
}

// ownedConversation loads a conversation and enforces ownership, translating
// the outcome into the caller-facing taxonomy.
func (s *Service) ownedConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound()
		}
		return nil, internalError(err)
	}
	if conv.UserID != userID {
		s.logUnauthorized(userID, conversationID)
		return nil, unauthorized()
	}
	return conv, nil
}

// conversationMessages returns all messages in ascending creation order with
// id as tie-break.
func (s *Service) conversationMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// appendMessage stores a message with its token estimate and touches the
// conversation's updated_at.
func (s *Service) appendMessage(ctx context.Context, conversationID int64, role models.Role, content string) (*models.Message, error) {
	now := time.Now().UTC()
	tokens := models.EstimateTokens(content)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tokens, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, tokens, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      now,
	}, nil
}

func (s *Service) countMessages(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *Service) renameConversation(ctx context.Context, conversationID int64, title string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), conversationID,
	); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}
