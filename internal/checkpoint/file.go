package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore keeps every task's progress in one JSON document, rewritten atomically on save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) read() (map[string]entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]entry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}
	entries := make(map[string]entry)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *FileStore) write(entries map[string]entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) Load(_ context.Context, taskID string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return Progress{}, err
	}
	e, ok := entries[taskID]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return e.progress()
}

func (s *FileStore) Save(_ context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[p.TaskID] = toEntry(p)
	return s.write(entries)
}

func (s *FileStore) List(_ context.Context, prefix string) ([]Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	var out []Progress
	for id, e := range entries {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		p, err := e.progress()
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", id, err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := entries[taskID]; !ok {
		return nil
	}
	delete(entries, taskID)
	return s.write(entries)
}
