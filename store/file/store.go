// Package file provides a Store that delivers units to a local directory,
// typically a network share or a USB drive used for manual collection.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grokify/omnirecorder"
)

func init() {
	omnirecorder.RegisterStore("file", NewFromConfig)
}

// Config holds configuration for the file store.
type Config struct {
	// Root is the directory objects are written under.
	Root string

	// DirPermissions is the permission mode for created directories.
	// Default: 0755
	DirPermissions os.FileMode

	// FilePermissions is the permission mode for created files.
	// Default: 0644
	FilePermissions os.FileMode
}

// Store implements omnirecorder.Store on a local filesystem.
type Store struct {
	config Config
	closed bool
	mu     sync.RWMutex
}

// New creates a file store.
func New(config Config) *Store {
	if config.Root == "" {
		config.Root = "."
	}
	if config.DirPermissions == 0 {
		config.DirPermissions = 0755
	}
	if config.FilePermissions == 0 {
		config.FilePermissions = 0644
	}
	return &Store{config: config}
}

// NewFromConfig creates a file store from a config map.
// Supported keys:
//   - root: destination directory (required)
func NewFromConfig(configMap map[string]string) (omnirecorder.Store, error) {
	root := configMap["root"]
	if root == "" {
		return nil, fmt.Errorf("file: root is required")
	}
	return New(Config{Root: root}), nil
}

// Put writes to a temporary name and renames into place, so a reader of the
// destination never sees a partial object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, _ ...omnirecorder.PutOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return omnirecorder.Permanent(err)
	}

	full := s.fullPath(key)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, s.config.DirPermissions); err != nil {
		return classify(fmt.Errorf("creating directory %s: %w", dir, err))
	}

	tmp := filepath.Join(dir, ".tmp-"+filepath.Base(full))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.config.FilePermissions)
	if err != nil {
		return classify(fmt.Errorf("creating file %s: %w", key, err))
	}
	n, err := io.Copy(f, r)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short body: %d of %d bytes", n, size)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, full)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return classify(fmt.Errorf("writing %s: %w", key, err))
	}
	return nil
}

// Stat returns size and modification time of a stored object.
func (s *Store) Stat(ctx context.Context, key string) (omnirecorder.ObjectInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	info, err := os.Stat(s.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, omnirecorder.ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &omnirecorder.BasicObjectInfo{
		ObjectKey:     key,
		ObjectSize:    info.Size(),
		ObjectModTime: info.ModTime(),
	}, nil
}

// Probe checks that the root directory exists.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.config.Root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("file: %s is not a directory", s.config.Root)
	}
	return nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) fullPath(key string) string {
	return filepath.Join(s.config.Root, filepath.FromSlash(key))
}

func validateKey(key string) error {
	if key == "" {
		return omnirecorder.ErrInvalidKey
	}
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." || strings.HasPrefix(cleaned, "/") {
		return omnirecorder.ErrInvalidKey
	}
	return nil
}

// classify marks permission failures as permanent; everything else may be a
// share that is briefly unavailable.
func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return omnirecorder.Permanent(err)
	}
	return omnirecorder.Transient(err)
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return omnirecorder.ErrStoreClosed
	}
	return nil
}

var _ omnirecorder.Store = (*Store)(nil)
