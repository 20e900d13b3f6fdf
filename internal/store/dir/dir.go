// Package dir implements a Store that reads raw messages from a local
// directory tree. Keys are slash-separated paths relative to the root.
package dir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shineum/ses-forwarder/internal/store"
)

// Store maps keys to files below a root directory.
type Store struct {
	root string
}

// New creates a Store rooted at root. The directory must exist.
func New(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("mail directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mail directory %s is not a directory", root)
	}
	return &Store{root: root}, nil
}

// Get reads the file for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

// Delete removes the file for key.
func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, store.ErrNotFound)
		}
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return "dir"
}

// path resolves key below the root, refusing keys that would escape it.
func (s *Store) path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, rel), nil
}
