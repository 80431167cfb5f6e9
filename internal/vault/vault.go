package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"localchat/internal/events"
)

const keySettingName = "llm.encryption_key"

// DefaultToken is what decrypting an absent ciphertext yields; matches the
// token a stock Ollama install expects.
const DefaultToken = "ollama"

var errInvalidCiphertext = errors.New("invalid token ciphertext")

// Vault encrypts and decrypts provider API tokens under a process-wide key.
// The key lives in the settings table and is generated on first use.
//
// The vault never fails the surrounding operation: when the key cannot be
// loaded or created it degrades to passing tokens through in plaintext and
// reports a warning event.
type Vault struct {
	db  *sql.DB
	log events.Logger

	mu   sync.Mutex
	aead cipher.AEAD
}

func New(db *sql.DB, log events.Logger) *Vault {
	return &Vault{db: db, log: log}
}

// Encrypt seals a plaintext token. An empty token stays empty.
func (v *Vault) Encrypt(ctx context.Context, plain string) string {
	if plain == "" {
		return ""
	}
	aead, err := v.cipher(ctx)
	if err != nil {
		v.log.Emit(events.Event{
			Name:   "vault.encrypt_degraded",
			Level:  events.LevelWarn,
			Detail: fmt.Sprintf("storing token in plaintext: %v", err),
		})
		return plain
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		v.log.Emit(events.Event{
			Name:   "vault.encrypt_degraded",
			Level:  events.LevelWarn,
			Detail: fmt.Sprintf("nonce generation failed, storing token in plaintext: %v", err),
		})
		return plain
	}
	sealed := aead.Seal(nil, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...))
}

// Decrypt opens a stored ciphertext. An empty ciphertext yields DefaultToken;
// anything that fails to decrypt is treated as a legacy plaintext token and
// returned unchanged.
func (v *Vault) Decrypt(ctx context.Context, stored string) string {
	if stored == "" {
		return DefaultToken
	}
	aead, err := v.cipher(ctx)
	if err != nil {
		return stored
	}
	plain, err := open(aead, stored)
	if err != nil {
		return stored
	}
	return plain
}

func open(aead cipher.AEAD, input string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}

// cipher returns the process-wide AEAD, loading or creating the key on first
// use. The mutex serializes in-process callers; the insert-then-reread dance
// resolves cross-process creation races in favor of the first writer.
func (v *Vault) cipher(ctx context.Context) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.aead != nil {
		return v.aead, nil
	}

	raw, err := v.loadKey(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load encryption key: %w", err)
		}
		if raw, err = v.createKey(ctx); err != nil {
			return nil, fmt.Errorf("create encryption key: %w", err)
		}
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("stored encryption key is malformed")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	v.aead = aead
	return aead, nil
}

func (v *Vault) loadKey(ctx context.Context) (string, error) {
	var value string
	err := v.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE name = ?`, keySettingName,
	).Scan(&value)
	return value, err
}

func (v *Vault) createKey(ctx context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf)

	if _, err := v.db.ExecContext(ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?)`, keySettingName, encoded,
	); err != nil {
		// Another process may have won the insert; take whatever is stored.
		if stored, readErr := v.loadKey(ctx); readErr == nil {
			return stored, nil
		}
		return "", err
	}
	v.log.Emit(events.Event{
		Name:   "vault.key_generated",
		Level:  events.LevelWarn,
		Detail: "generated new encryption key for LLM tokens; store it securely for production",
	})
	return encoded, nil
}
