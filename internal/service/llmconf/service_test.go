package llmconf

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"localchat/internal/events"
	"localchat/internal/llm"
	"localchat/internal/models"
	"localchat/internal/storage"
	"localchat/internal/vault"
)

type fakeCompleter struct {
	lastCfg  *models.LLMConfig
	lastMsgs []llm.Message
	reply    string
	err      error
}

func (f *fakeCompleter) Complete(_ context.Context, cfg *models.LLMConfig, msgs []llm.Message) (string, error) {
	f.lastCfg = cfg
	f.lastMsgs = msgs
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestService(t *testing.T) (*Service, *sql.DB, *fakeCompleter) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	completer := &fakeCompleter{reply: "ok"}
	svc := NewService(db, vault.New(db, events.NopLogger{}), completer, events.NopLogger{})
	return svc, db, completer
}

func ptr(v int64) *int64 { return &v }

func TestCreateAppliesDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	cfg, err := svc.Create(context.Background(), &models.LLMConfig{
		Name:        "local",
		Active:      true,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cfg.Endpoint != models.DefaultEndpoint {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.ModelName != models.DefaultModelName {
		t.Fatalf("model = %q", cfg.ModelName)
	}
	if cfg.MaxTokens != models.DefaultMaxTokens {
		t.Fatalf("max tokens = %d", cfg.MaxTokens)
	}
	if cfg.MaxHistoryMessages != models.DefaultMaxHistory {
		t.Fatalf("max history = %d", cfg.MaxHistoryMessages)
	}
	if cfg.RequestTimeoutMS != models.DefaultTimeoutMS {
		t.Fatalf("timeout = %d", cfg.RequestTimeoutMS)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  models.LLMConfig
	}{
		{"missing name", models.LLMConfig{Temperature: 0.7}},
		{"temperature too high", models.LLMConfig{Name: "a", Temperature: 2.5}},
		{"temperature negative", models.LLMConfig{Name: "a", Temperature: -0.1}},
		{"max tokens too low", models.LLMConfig{Name: "a", Temperature: 0.7, MaxTokens: 64}},
		{"max tokens too high", models.LLMConfig{Name: "a", Temperature: 0.7, MaxTokens: 100000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			if _, err := svc.Create(ctx, &cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSingleDefaultPerScope(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &models.LLMConfig{
		Name: "first", Active: true, Temperature: 0.7, IsDefault: true, UserID: ptr(1),
	}); err != nil {
		t.Fatalf("first default: %v", err)
	}

	_, err := svc.Create(ctx, &models.LLMConfig{
		Name: "second", Active: true, Temperature: 0.7, IsDefault: true, UserID: ptr(1),
	})
	if err == nil {
		t.Fatal("second default in the same scope must be rejected")
	}

	// A different user and the system scope each get their own default.
	if _, err := svc.Create(ctx, &models.LLMConfig{
		Name: "other user", Active: true, Temperature: 0.7, IsDefault: true, UserID: ptr(2),
	}); err != nil {
		t.Fatalf("other user's default: %v", err)
	}
	if _, err := svc.Create(ctx, &models.LLMConfig{
		Name: "system", Active: true, Temperature: 0.7, IsDefault: true,
	}); err != nil {
		t.Fatalf("system default: %v", err)
	}
}

func TestUpdateKeepsDefaultFlag(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.LLMConfig{
		Name: "mine", Active: true, Temperature: 0.7, IsDefault: true, UserID: ptr(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Re-saving the same record as default must not trip the invariant
	// against itself.
	updated, err := svc.Update(ctx, 1, &models.LLMConfig{
		ID: created.ID, Name: "mine renamed", Active: true, Temperature: 0.5, IsDefault: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.IsDefault || updated.Name != "mine renamed" {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestTokenEncryptedAtRest(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.LLMConfig{
		Name: "secure", Active: true, Temperature: 0.7, Token: "sk-very-secret", UserID: ptr(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var cipherText string
	if err := db.QueryRow(
		`SELECT token_cipher FROM llm_configs WHERE id = ?`, created.ID,
	).Scan(&cipherText); err != nil {
		t.Fatalf("read cipher: %v", err)
	}
	if cipherText == "" || cipherText == "sk-very-secret" {
		t.Fatalf("token at rest = %q, want ciphertext", cipherText)
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Token != "sk-very-secret" {
		t.Fatalf("decrypted token = %q", got.Token)
	}
}

func TestUpdateEmptyTokenKeepsStoredOne(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.LLMConfig{
		Name: "keep", Active: true, Temperature: 0.7, Token: "original-token", UserID: ptr(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Update(ctx, 1, &models.LLMConfig{
		ID: created.ID, Name: "keep", Active: true, Temperature: 0.7,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Token != "original-token" {
		t.Fatalf("token after empty-token update = %q", got.Token)
	}
}

func TestResolveDefaultPriority(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Insertion order deliberately scrambled against priority.
	plain, err := svc.Create(ctx, &models.LLMConfig{
		Name: "plain active", Active: true, Temperature: 0.7, Sequence: 5,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sysDefault, err := svc.Create(ctx, &models.LLMConfig{
		Name: "system default", Active: true, Temperature: 0.7, IsDefault: true, Sequence: 20,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	userDefault, err := svc.Create(ctx, &models.LLMConfig{
		Name: "user default", Active: true, Temperature: 0.7, IsDefault: true, UserID: ptr(1), Sequence: 30,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.ResolveDefault(ctx, 1)
	if err != nil {
		t.Fatalf("resolve for user 1: %v", err)
	}
	if got.ID != userDefault.ID {
		t.Fatalf("user 1 resolved config %d, want their own default %d", got.ID, userDefault.ID)
	}

	got, err = svc.ResolveDefault(ctx, 2)
	if err != nil {
		t.Fatalf("resolve for user 2: %v", err)
	}
	if got.ID != sysDefault.ID {
		t.Fatalf("user 2 resolved config %d, want system default %d", got.ID, sysDefault.ID)
	}

	if err := svc.Delete(ctx, 2, sysDefault.ID); err != nil {
		t.Fatalf("delete system default: %v", err)
	}
	got, err = svc.ResolveDefault(ctx, 2)
	if err != nil {
		t.Fatalf("resolve after delete: %v", err)
	}
	if got.ID != plain.ID {
		t.Fatalf("fallback resolved config %d, want lowest-sequence active %d", got.ID, plain.ID)
	}
}

func TestResolveDefaultNothingConfigured(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ResolveDefault(context.Background(), 1)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestResolveDefaultDeterministicOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	second, err := svc.Create(ctx, &models.LLMConfig{
		Name: "later sequence", Active: true, Temperature: 0.7, Sequence: 20,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := svc.Create(ctx, &models.LLMConfig{
		Name: "earlier sequence", Active: true, Temperature: 0.7, Sequence: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = second

	got, err := svc.ResolveDefault(ctx, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("resolved %d, want sequence winner %d", got.ID, first.ID)
	}
}

func TestDeleteIsSoft(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.LLMConfig{
		Name: "doomed", Active: true, Temperature: 0.7, UserID: ptr(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, 1, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var active, isDefault bool
	if err := db.QueryRow(
		`SELECT active, is_default FROM llm_configs WHERE id = ?`, created.ID,
	).Scan(&active, &isDefault); err != nil {
		t.Fatalf("row should still exist: %v", err)
	}
	if active || isDefault {
		t.Fatalf("active=%v default=%v after delete", active, isDefault)
	}

	configs, err := svc.List(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, c := range configs {
		if c.ID == created.ID {
			t.Fatal("deleted config must not be listed")
		}
	}
}

func TestListScopedToUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &models.LLMConfig{Name: "mine", Active: true, Temperature: 0.7, UserID: ptr(1)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, &models.LLMConfig{Name: "theirs", Active: true, Temperature: 0.7, UserID: ptr(2)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, &models.LLMConfig{Name: "shared", Active: true, Temperature: 0.7}); err != nil {
		t.Fatalf("create: %v", err)
	}

	configs, err := svc.List(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("len = %d, want own + system", len(configs))
	}
	for _, c := range configs {
		if c.Name == "theirs" {
			t.Fatal("another user's config leaked into the listing")
		}
	}
}

func TestConnectionProbeUsesShortLimits(t *testing.T) {
	svc, _, completer := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.LLMConfig{
		Name: "probe", Active: true, Temperature: 0.7, UserID: ptr(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.TestConnection(ctx, 1, created.ID); err != nil {
		t.Fatalf("test connection: %v", err)
	}

	probe := completer.lastCfg
	if probe.MaxTokens != 10 {
		t.Fatalf("probe max tokens = %d, want 10", probe.MaxTokens)
	}
	if probe.RequestTimeoutMS != 10000 {
		t.Fatalf("probe timeout = %d", probe.RequestTimeoutMS)
	}
	if len(completer.lastMsgs) != 1 || completer.lastMsgs[0].Content != "Hello" {
		t.Fatalf("probe messages = %+v", completer.lastMsgs)
	}
}

func TestConnectionFailurePropagatesClassifiedError(t *testing.T) {
	svc, _, completer := newTestService(t)
	ctx := context.Background()
	completer.err = &llm.Error{Kind: llm.KindConnection}

	created, err := svc.Create(ctx, &models.LLMConfig{
		Name: "down", Active: true, Temperature: 0.7, UserID: ptr(1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = svc.TestConnection(ctx, 1, created.ID)
	var uerr *llm.Error
	if !errors.As(err, &uerr) || uerr.Kind != llm.KindConnection {
		t.Fatalf("err = %v, want connection error", err)
	}
}
