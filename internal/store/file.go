package store

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

	"github.com/yarkm13/skiff/internal/transfer"
)

// FileStore writes one JSON file per snapshot into a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) file(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid snapshot id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save replaces the snapshot atomically: it is written to a temporary
// file first and renamed over the old one.
func (s *FileStore) Save(ctx context.Context, snap transfer.Snapshot) error {
	name, err := s.file(snap.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

func (s *FileStore) Load(ctx context.Context, id string) (transfer.Snapshot, error) {
	name, err := s.file(id)
	if err != nil {
		return transfer.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readSnapshot(name)
}

func readSnapshot(name string) (transfer.Snapshot, error) {
	var snap transfer.Snapshot
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse %s: %w", name, err)
	}
	return snap, nil
}

// List returns every snapshot ordered by id.
func (s *FileStore) List(ctx context.Context) ([]transfer.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	snaps := make([]transfer.Snapshot, 0, len(names))
	for _, name := range names {
		snap, err := readSnapshot(name)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	name, err := s.file(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
