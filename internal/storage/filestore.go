// Package storage implements the registry's file layer: a path-keyed
// [FileStore] rooted at a single directory, and the [Tx] transaction
// coordinator that makes multi-file mutations atomic with respect to the
// metadata store.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/natefinch/atomic"

	"github.com/jasperhg90/persona/pkg/persona/index"
)

// FileStore stores blobs under a root directory, addressed by relative
// slash-separated keys ("skills/web-search/SKILL.md"). All writes are
// atomic (write-to-temp plus rename).
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore returns a FileStore rooted at root. The directory is created
// lazily on first write. A nil logger uses [slog.Default].
func NewFileStore(root string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{root: root, logger: logger}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

// abs validates a storage key and resolves it to an absolute path. Keys
// must be relative, slash-separated, and must not escape the root.
func (s *FileStore) abs(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty storage key", index.ErrInvalidInput)
	}

	cleaned := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: storage key %q escapes the store root", index.ErrInvalidInput, key)
	}

	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Save writes data under key, creating parent directories as needed.
func (s *FileStore) Save(key string, data []byte) error {
	abs, err := s.abs(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}

	if err := atomic.WriteFile(abs, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}

	s.logger.Debug("filestore save", "key", key, "bytes", len(data))

	return nil
}

// Load reads the blob stored under key. A missing key returns
// [index.ErrNotFound].
func (s *FileStore) Load(key string) ([]byte, error) {
	abs, err := s.abs(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %q: %w", key, index.ErrNotFound)
		}

		return nil, fmt.Errorf("load %q: %w", key, err)
	}

	return data, nil
}

// Delete removes the file or, with recursive set, the directory under key.
// Deleting a missing key is a no-op.
func (s *FileStore) Delete(key string, recursive bool) error {
	abs, err := s.abs(key)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	if info.IsDir() && !recursive {
		return fmt.Errorf("delete %q: is a directory", key)
	}

	if recursive {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}

	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	s.logger.Debug("filestore delete", "key", key, "recursive", recursive)

	return nil
}

// Exists reports whether key names an existing file or directory.
func (s *FileStore) Exists(key string) (bool, error) {
	abs, err := s.abs(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("stat %q: %w", key, err)
	}

	return true, nil
}

// IsDir reports whether key names a directory. A missing key reports false.
func (s *FileStore) IsDir(key string) (bool, error) {
	abs, err := s.abs(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("stat %q: %w", key, err)
	}

	return info.IsDir(), nil
}

// Mtime returns the modification time of key.
func (s *FileStore) Mtime(key string) (time.Time, error) {
	abs, err := s.abs(key)
	if err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("mtime %q: %w", key, index.ErrNotFound)
		}

		return time.Time{}, fmt.Errorf("mtime %q: %w", key, err)
	}

	return info.ModTime(), nil
}

// Glob returns the keys matching pattern, relative to the store root and
// sorted. Patterns support doublestar "**" segments. Directories are
// included when they match; callers filter with [FileStore.IsDir] when they
// want files only.
func (s *FileStore) Glob(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(s.root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	sort.Strings(matches)

	return matches, nil
}
