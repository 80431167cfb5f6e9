package chat

import (
	"testing"

	"localchat/internal/models"
)

func TestBuildHistoryTrimsToWindow(t *testing.T) {
	cfg := &models.LLMConfig{SystemPrompt: "be brief", MaxHistoryMessages: 3}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
		{Role: models.RoleAssistant, Content: "four"},
		{Role: models.RoleUser, Content: "five"},
	}

	out := buildHistory(cfg, msgs)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4 (system + 3 recent)", len(out))
	}
	if out[0].Role != models.RoleSystem || out[0].Content != "be brief" {
		t.Fatalf("first entry = %+v, want the system prompt", out[0])
	}
	want := []string{"three", "four", "five"}
	for i, content := range want {
		if out[i+1].Content != content {
			t.Fatalf("entry %d = %q, want %q", i+1, out[i+1].Content, content)
		}
	}
}

func TestBuildHistoryNoSystemPrompt(t *testing.T) {
	cfg := &models.LLMConfig{MaxHistoryMessages: 10}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
	}
	out := buildHistory(cfg, msgs)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].Role != models.RoleUser {
		t.Fatalf("role = %q, want user", out[0].Role)
	}
}

func TestBuildHistoryShortConversationKeptWhole(t *testing.T) {
	cfg := &models.LLMConfig{SystemPrompt: "sp", MaxHistoryMessages: 50}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, Content: "b"},
	}
	out := buildHistory(cfg, msgs)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
}

func TestDeriveTitle(t *testing.T) {
	if got := deriveTitle("short message"); got != "short message" {
		t.Fatalf("got %q", got)
	}

	long := ""
	for i := 0; i < 60; i++ {
		long += "x"
	}
	got := deriveTitle(long)
	if len([]rune(got)) != titleLimit+3 {
		t.Fatalf("truncated title length = %d, want %d", len([]rune(got)), titleLimit+3)
	}
	if got[len(got)-3:] != "..." {
		t.Fatalf("truncated title %q should end with ellipsis", got)
	}

	// Multi-byte content truncates on runes, not bytes.
	wide := ""
	for i := 0; i < 60; i++ {
		wide += "界"
	}
	got = deriveTitle(wide)
	if len([]rune(got)) != titleLimit+3 {
		t.Fatalf("rune truncation length = %d, want %d", len([]rune(got)), titleLimit+3)
	}
}
