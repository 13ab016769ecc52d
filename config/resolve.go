package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/grokify/mogo/log/slogutil"
)

// Source tells where a resolved document came from.
type Source string

const (
	SourceRemovable Source = "removable"
	SourceInternal  Source = "internal"
	SourceDefault   Source = "default"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Document *Document
	Source   Source

	// Mirrored is true when the removable copy replaced the internal one.
	Mirrored bool

	// Offline is true when no document was found and the recorder falls back
	// to offline recording on removable media.
	Offline bool
}

// Resolve picks the configuration for this run.
//
// A document on removable media wins when it parses; it is mirrored to
// internalPath when the bytes differ, so the device keeps working after the
// card is pulled. Otherwise the internal copy is used. With neither, the
// defaults are used in offline mode if removable media is present, and
// ErrNoConfig is returned if not.
//
// removablePath may be empty when no removable root is mounted.
func Resolve(removablePath, internalPath string, logger *slog.Logger) (Resolution, error) {
	if logger == nil {
		logger = slogutil.Null()
	}

	if removablePath != "" {
		raw, err := os.ReadFile(removablePath)
		switch {
		case err == nil:
			doc, perr := Parse(raw)
			if perr == nil {
				mirrored, merr := Mirror(raw, internalPath)
				if merr != nil {
					logger.Warn("config not mirrored to internal storage", "path", internalPath, "error", merr)
				} else if mirrored {
					logger.Info("config copied from removable media", "from", removablePath, "to", internalPath)
				}
				return Resolution{Document: doc, Source: SourceRemovable, Mirrored: mirrored}, nil
			}
			logger.Warn("config on removable media is invalid", "path", removablePath, "error", perr)
		case errors.Is(err, fs.ErrNotExist):
			logger.Info("no config on removable media", "path", removablePath)
		default:
			logger.Warn("config on removable media unreadable", "path", removablePath, "error", err)
		}
	}

	doc, err := Load(internalPath)
	if err == nil {
		return Resolution{Document: doc, Source: SourceInternal}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("internal config unusable", "path", internalPath, "error", err)
	}

	if removablePath != "" {
		logger.Warn("no usable config, recording offline with defaults")
		doc := Default()
		doc.OfflineMode = true
		return Resolution{Document: doc, Source: SourceDefault, Offline: true}, nil
	}
	return Resolution{}, fmt.Errorf("%w: none at %s and no removable media", ErrNoConfig, internalPath)
}

// Mirror writes raw to path unless path already holds the same bytes. The
// write goes through a temporary file and a rename.
func Mirror(raw []byte, path string) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, raw) {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, err
	}
	return true, nil
}
