package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Entry struct {
	Name           string    `json:"name"`
	Value          string    `json:"value"`
	KeyFingerprint string    `json:"key_fingerprint"`
	Checksum       string    `json:"checksum"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, name string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Entry, error)
	// ReplaceAll swaps the full entry set in one step.
	ReplaceAll(ctx context.Context, entries []Entry) error
	Close() error
}

const fileStoreVersion = 1

type fileDocument struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// FileStore keeps entries in a single JSON document rewritten atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("vault store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Get(_ context.Context, name string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return Entry{}, err
	}
	entry, ok := doc.Entries[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *FileStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Entries[entry.Name] = entry
	return s.write(doc)
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[name]; !ok {
		return ErrNotFound
	}
	delete(doc.Entries, name)
	return s.write(doc)
}

func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(doc.Entries))
	for _, entry := range doc.Entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *FileStore) ReplaceAll(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := fileDocument{Version: fileStoreVersion, Entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		doc.Entries[entry.Name] = entry
	}
	return s.write(doc)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileDocument{Version: fileStoreVersion, Entries: make(map[string]Entry)}, nil
		}
		return fileDocument{}, fmt.Errorf("read vault store: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("%w: parse vault store: %v", ErrCorrupt, err)
	}
	if doc.Version != fileStoreVersion {
		return fileDocument{}, fmt.Errorf("%w: unsupported vault store version %d", ErrCorrupt, doc.Version)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	return doc, nil
}

func (s *FileStore) write(doc fileDocument) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault store: %w", err)
	}
	return writeFileAtomic(s.path, encoded, 0o600)
}
