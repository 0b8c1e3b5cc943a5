package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps secrets in a single JSON object on disk, written with an
// atomic rename and 0600 permissions. Suitable for single-node deployments
// and development; a managed KMS slots in behind the same Store interface.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore builds a file-backed store rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := data[ref]
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", ref, ErrRefNotFound)
	}
	return value, nil
}

func (s *FileStore) Put(_ context.Context, ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if data == nil {
		data = map[string]string{}
	}
	data[ref] = value
	return s.flush(data)
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	delete(data, ref)
	return s.flush(data)
}

func (s *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	data := map[string]string{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse secret store file: %w", err)
	}
	return data, nil
}

func (s *FileStore) flush(data map[string]string) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create secret store dir: %w", err)
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode secret store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write secret store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace secret store: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}

// MemoryStore is the in-memory backend used by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[ref]
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", ref, ErrRefNotFound)
	}
	return value, nil
}

func (s *MemoryStore) Put(_ context.Context, ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ref] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, ref)
	return nil
}
