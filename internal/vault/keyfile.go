package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize        = 32
	keyFileVersion = 1
)

type keyFileRecord struct {
	Version  int    `json:"version"`
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
}

// LoadOrCreateKey reads the key file at path, creating it with fresh key
// material when it does not exist yet.
func LoadOrCreateKey(path string) ([]byte, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, fmt.Errorf("key file path is required")
	}
	if _, err := os.Stat(path); err == nil {
		key, err := loadKey(path)
		return key, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("stat key file: %w", err)
	}

	key, err := newKey()
	if err != nil {
		return nil, false, err
	}
	if err := writeKey(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func newKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	return key, nil
}

func loadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var record keyFileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: parse key file: %v", ErrCorrupt, err)
	}
	if record.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported key file version %d", ErrCorrupt, record.Version)
	}
	key, err := base64.StdEncoding.DecodeString(record.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key: %v", ErrCorrupt, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: invalid key size %d", ErrCorrupt, len(key))
	}
	sum := sha256.Sum256(key)
	if !equalHex(record.Checksum, hex.EncodeToString(sum[:])) {
		return nil, fmt.Errorf("%w: key file checksum mismatch", ErrCorrupt)
	}
	return key, nil
}

func writeKey(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	sum := sha256.Sum256(key)
	record := keyFileRecord{
		Version:  keyFileVersion,
		Key:      base64.StdEncoding.EncodeToString(key),
		Checksum: hex.EncodeToString(sum[:]),
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	return writeFileAtomic(path, encoded, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
