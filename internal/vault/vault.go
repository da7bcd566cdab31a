package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound    = errors.New("secret not found")
	ErrCorrupt     = errors.New("secret store corrupt")
	ErrInvalidName = errors.New("invalid secret name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

const redacted = "[redacted]"

// Secret holds a revealed value. Its string, JSON and log forms are
// redacted; only Reveal returns the plaintext.
type Secret struct {
	name  string
	value string
}

func (s Secret) Name() string   { return s.name }
func (s Secret) Reveal() string { return s.value }
func (s Secret) Empty() bool    { return s.value == "" }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return "vault.Secret{" + s.name + ": " + redacted + "}" }

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s Secret) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", s.name).Str("value", redacted)
}

type Option func(*Vault)

func WithLogger(logger zerolog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

type Vault struct {
	keyPath string
	store   Store
	logger  zerolog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	key []byte
}

// Open loads (or creates) the key file and attaches the entry store. A key
// rotation interrupted after the new key was staged is reconciled here.
func Open(ctx context.Context, keyPath string, store Store, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("vault store is required")
	}
	v := &Vault{
		keyPath: strings.TrimSpace(keyPath),
		store:   store,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	if err := v.reconcileStagedKey(ctx); err != nil {
		return nil, err
	}
	key, created, err := LoadOrCreateKey(v.keyPath)
	if err != nil {
		return nil, err
	}
	v.key = key
	if created {
		v.logger.Info().Str("key_file", v.keyPath).Msg("vault key created")
	}
	return v, nil
}

func (v *Vault) Get(ctx context.Context, name string) (Secret, error) {
	if err := validateName(name); err != nil {
		return Secret{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, err := v.store.Get(ctx, name)
	if err != nil {
		return Secret{}, err
	}
	plaintext, err := open(v.key, entry)
	if err != nil {
		return Secret{}, err
	}
	secret := Secret{name: name, value: string(plaintext)}
	wipe(plaintext)
	return secret, nil
}

func (v *Vault) Set(ctx context.Context, name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	entry := seal(v.key, name, []byte(value))
	entry.UpdatedAt = v.now()
	if err := v.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("store secret %q: %w", name, err)
	}
	v.logger.Info().Str("secret", name).Msg("secret stored")
	return nil
}

// Delete revokes a secret.
func (v *Vault) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.Delete(ctx, name); err != nil {
		return err
	}
	v.logger.Info().Str("secret", name).Msg("secret revoked")
	return nil
}

func (v *Vault) Names(ctx context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entries, err := v.store.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names, nil
}

// Verify opens every entry with the current key. Any failure is fatal for
// startup; callers must not continue with a vault that fails Verify.
func (v *Vault) Verify(ctx context.Context) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entries, err := v.store.List(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		plaintext, err := open(v.key, entry)
		if err != nil {
			return err
		}
		wipe(plaintext)
	}
	return nil
}

// RotateKey re-obfuscates every entry under fresh key material. The new key
// is staged next to the key file until the entry set has been rewritten.
func (v *Vault) RotateKey(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.store.List(ctx)
	if err != nil {
		return err
	}
	fresh, err := newKey()
	if err != nil {
		return err
	}

	rotated := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		plaintext, err := open(v.key, entry)
		if err != nil {
			return err
		}
		next := seal(fresh, entry.Name, plaintext)
		next.UpdatedAt = v.now()
		wipe(plaintext)
		rotated = append(rotated, next)
	}

	staged := v.stagedKeyPath()
	if err := writeKey(staged, fresh); err != nil {
		return fmt.Errorf("stage rotated key: %w", err)
	}
	if err := v.store.ReplaceAll(ctx, rotated); err != nil {
		_ = removeIfExists(staged)
		return fmt.Errorf("rewrite secrets: %w", err)
	}
	if err := os.Rename(staged, v.keyPath); err != nil {
		return fmt.Errorf("promote rotated key: %w", err)
	}

	wipe(v.key)
	v.key = fresh
	v.logger.Info().Int("secrets", len(rotated)).Str("fingerprint", keyFingerprint(fresh)).Msg("vault key rotated")
	return nil
}

func (v *Vault) KeyFingerprint() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return keyFingerprint(v.key)
}

func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	wipe(v.key)
	return v.store.Close()
}

func (v *Vault) stagedKeyPath() string {
	return v.keyPath + ".next"
}

func (v *Vault) reconcileStagedKey(ctx context.Context) error {
	staged := v.stagedKeyPath()
	if _, err := os.Stat(staged); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat staged key: %w", err)
	}

	stagedKey, err := loadKey(staged)
	if err != nil {
		v.logger.Warn().Err(err).Msg("discarding unreadable staged vault key")
		return removeIfExists(staged)
	}
	entries, err := v.store.List(ctx)
	if err != nil {
		return err
	}
	fingerprint := keyFingerprint(stagedKey)
	promote := len(entries) > 0
	for _, entry := range entries {
		if entry.KeyFingerprint != fingerprint {
			promote = false
			break
		}
	}
	if !promote {
		v.logger.Warn().Msg("discarding staged vault key from interrupted rotation")
		return removeIfExists(staged)
	}
	if err := os.Rename(staged, v.keyPath); err != nil {
		return fmt.Errorf("promote staged key: %w", err)
	}
	v.logger.Info().Msg("completed interrupted vault key rotation")
	return nil
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
