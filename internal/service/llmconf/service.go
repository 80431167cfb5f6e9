package llmconf

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"localchat/internal/events"
	"localchat/internal/llm"
	"localchat/internal/models"
	"localchat/internal/vault"
)

// ErrNotConfigured signals that no active configuration exists anywhere.
// Callers surface it as an actionable "configure an LLM first" condition,
// never as a generic failure.
var ErrNotConfigured = errors.New("no llm configuration found")

// Completer is the slice of the completion client the connection test needs.
type Completer interface {
	Complete(ctx context.Context, cfg *models.LLMConfig, msgs []llm.Message) (string, error)
}

// Service owns configuration records: CRUD with field validation, the
// single-default invariant, default resolution, and the encrypted token
// accessors.
type Service struct {
	db    *sql.DB
	vault *vault.Vault
	llm   Completer
	log   events.Logger
}

func NewService(db *sql.DB, v *vault.Vault, completer Completer, log events.Logger) *Service {
	return &Service{db: db, vault: v, llm: completer, log: log}
}

// Create validates and stores a new configuration. The plaintext token on
// cfg is encrypted into the record and never persisted directly.
func (s *Service) Create(ctx context.Context, cfg *models.LLMConfig) (*models.LLMConfig, error) {
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.IsDefault {
		if err := s.checkSingleDefault(ctx, cfg.UserID, 0); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	cfg.TokenCipher = s.vault.Encrypt(ctx, cfg.Token)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_configs
			(name, sequence, active, endpoint, token_cipher, model_name, temperature,
			 max_tokens, system_prompt, max_history_messages, request_timeout_ms,
			 is_default, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, cfg.Sequence, cfg.Active, cfg.Endpoint, cfg.TokenCipher,
		cfg.ModelName, cfg.Temperature, cfg.MaxTokens, cfg.SystemPrompt,
		cfg.MaxHistoryMessages, cfg.RequestTimeoutMS, cfg.IsDefault,
		nullableID(cfg.UserID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("config id: %w", err)
	}
	cfg.ID = id
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return cfg, nil
}

// Update rewrites a configuration the user may manage (their own or a
// system-wide one). An empty token keeps the stored ciphertext; a non-empty
// token is re-encrypted.
func (s *Service) Update(ctx context.Context, userID int64, cfg *models.LLMConfig) (*models.LLMConfig, error) {
	existing, err := s.getManaged(ctx, userID, cfg.ID)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.IsDefault {
		if err := s.checkSingleDefault(ctx, existing.UserID, cfg.ID); err != nil {
			return nil, err
		}
	}

	cipher := existing.TokenCipher
	if cfg.Token != "" {
		cipher = s.vault.Encrypt(ctx, cfg.Token)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE llm_configs SET
			name = ?, sequence = ?, active = ?, endpoint = ?, token_cipher = ?,
			model_name = ?, temperature = ?, max_tokens = ?, system_prompt = ?,
			max_history_messages = ?, request_timeout_ms = ?, is_default = ?,
			updated_at = ?
		 WHERE id = ?`,
		cfg.Name, cfg.Sequence, cfg.Active, cfg.Endpoint, cipher,
		cfg.ModelName, cfg.Temperature, cfg.MaxTokens, cfg.SystemPrompt,
		cfg.MaxHistoryMessages, cfg.RequestTimeoutMS, cfg.IsDefault,
		now, cfg.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update config: %w", err)
	}
	cfg.UserID = existing.UserID
	cfg.TokenCipher = cipher
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = now
	return cfg, nil
}

// Delete soft-deletes a managed configuration by clearing its active flag.
func (s *Service) Delete(ctx context.Context, userID, configID int64) error {
	if _, err := s.getManaged(ctx, userID, configID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE llm_configs SET active = 0, is_default = 0, updated_at = ? WHERE id = ?`,
		now, configID,
	); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

// List returns the active configurations visible to the user: their own plus
// system-wide ones, in sequence order.
func (s *Service) List(ctx context.Context, userID int64) ([]models.LLMConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		selectConfig+` WHERE active = 1 AND (user_id = ? OR user_id IS NULL) ORDER BY sequence, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var configs []models.LLMConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// Get loads one configuration by id with the token decrypted.
func (s *Service) Get(ctx context.Context, configID int64) (*models.LLMConfig, error) {
	row := s.db.QueryRowContext(ctx, selectConfig+` WHERE id = ?`, configID)
	cfg, err := scanConfig(row)
	if err != nil {
		return nil, err
	}
	cfg.Token = s.vault.Decrypt(ctx, cfg.TokenCipher)
	return cfg, nil
}

// ResolveDefault picks the configuration to use for a new conversation:
// the user's active default, else the system-wide active default, else any
// active configuration. Each step orders by sequence then id so resolution
// is deterministic regardless of insertion order.
func (s *Service) ResolveDefault(ctx context.Context, userID int64) (*models.LLMConfig, error) {
	clauses := []struct {
		where string
		args  []any
	}{
		{`WHERE active = 1 AND is_default = 1 AND user_id = ?`, []any{userID}},
		{`WHERE active = 1 AND is_default = 1 AND user_id IS NULL`, nil},
		{`WHERE active = 1`, nil},
	}
	for _, clause := range clauses {
		row := s.db.QueryRowContext(ctx,
			selectConfig+` `+clause.where+` ORDER BY sequence, id LIMIT 1`, clause.args...)
		cfg, err := scanConfig(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cfg.Token = s.vault.Decrypt(ctx, cfg.TokenCipher)
		return cfg, nil
	}
	return nil, ErrNotConfigured
}

// TestConnection sends a tiny probe prompt through the completion client
// using the stored configuration, with short limits so a healthy endpoint
// answers fast. The returned error, if any, is an *llm.Error.
func (s *Service) TestConnection(ctx context.Context, userID, configID int64) error {
	cfg, err := s.getManaged(ctx, userID, configID)
	if err != nil {
		return err
	}
	cfg.Token = s.vault.Decrypt(ctx, cfg.TokenCipher)

	// Probe limits skip validation on purpose: ten tokens is plenty to
	// prove the endpoint answers.
	probe := *cfg
	probe.MaxTokens = 10
	probe.Temperature = 0.1
	probe.RequestTimeoutMS = 10000

	_, err = s.llm.Complete(ctx, &probe, []llm.Message{{Role: models.RoleUser, Content: "Hello"}})
	if err == nil {
		s.log.Emit(events.Event{Name: "llmconf.test_ok", ConfigID: cfg.ID, UserID: userID})
	}
	return err
}

// getManaged loads a configuration the user is allowed to administer: their
// own or a system-wide one.
func (s *Service) getManaged(ctx context.Context, userID, configID int64) (*models.LLMConfig, error) {
	row := s.db.QueryRowContext(ctx,
		selectConfig+` WHERE id = ? AND (user_id = ? OR user_id IS NULL)`,
		configID, userID,
	)
	return scanConfig(row)
}

// checkSingleDefault enforces at most one default per owner scope.
func (s *Service) checkSingleDefault(ctx context.Context, owner *int64, excludeID int64) error {
	var (
		count int
		err   error
	)
	if owner != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM llm_configs WHERE is_default = 1 AND user_id = ? AND id != ?`,
			*owner, excludeID,
		).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM llm_configs WHERE is_default = 1 AND user_id IS NULL AND id != ?`,
			excludeID,
		).Scan(&count)
	}
	if err != nil {
		return fmt.Errorf("count defaults: %w", err)
	}
	if count > 0 {
		return errors.New("only one default configuration is allowed per user")
	}
	return nil
}

func applyDefaults(cfg *models.LLMConfig) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Sequence == 0 {
		cfg.Sequence = 10
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = models.DefaultEndpoint
	}
	if cfg.ModelName == "" {
		cfg.ModelName = models.DefaultModelName
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = models.DefaultMaxTokens
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = models.DefaultMaxHistory
	}
	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = models.DefaultTimeoutMS
	}
}

func validate(cfg *models.LLMConfig) error {
	if cfg.Name == "" {
		return errors.New("configuration name is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if cfg.Temperature < models.MinTemperature || cfg.Temperature > models.MaxTemperature {
		return errors.New("temperature must be between 0.0 and 2.0")
	}
	if cfg.MaxTokens < models.MinResponseTokens || cfg.MaxTokens > models.MaxResponseTokens {
		return errors.New("max tokens must be between 128 and 32768")
	}
	return nil
}

const selectConfig = `SELECT id, name, sequence, active, endpoint, token_cipher, model_name,
	temperature, max_tokens, system_prompt, max_history_messages,
	request_timeout_ms, is_default, user_id, created_at, updated_at
	FROM llm_configs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*models.LLMConfig, error) {
	var (
		cfg    models.LLMConfig
		userID sql.NullInt64
	)
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Sequence, &cfg.Active, &cfg.Endpoint,
		&cfg.TokenCipher, &cfg.ModelName, &cfg.Temperature, &cfg.MaxTokens,
		&cfg.SystemPrompt, &cfg.MaxHistoryMessages, &cfg.RequestTimeoutMS,
		&cfg.IsDefault, &userID, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan config: %w", err)
	}
	if userID.Valid {
		cfg.UserID = &userID.Int64
	}
	return &cfg, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
