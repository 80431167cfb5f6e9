package chat

import (
	"localchat/internal/llm"
	"localchat/internal/models"
)

// buildHistory assembles the bounded message list sent upstream: the
// configuration's system prompt first (it does not count toward the history
// cap and is never dropped), then the most recent MaxHistoryMessages stored
// messages in chronological order. The current user message must already be
// persisted so it participates in the window.
func buildHistory(cfg *models.LLMConfig, msgs []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if cfg.SystemPrompt != "" {
		out = append(out, llm.Message{Role: models.RoleSystem, Content: cfg.SystemPrompt})
	}
	if cfg.MaxHistoryMessages > 0 && len(msgs) > cfg.MaxHistoryMessages {
		msgs = msgs[len(msgs)-cfg.MaxHistoryMessages:]
	}
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
