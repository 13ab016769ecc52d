package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/compress"
)

// ArtifactDir is the ready-area directory shipped logs are published under.
const ArtifactDir = "logs"

// Publisher accepts auxiliary ready units. *buffer.Buffer implements it.
type Publisher interface {
	PublishArtifact(dir, name string, write func(io.Writer) error) (omnirecorder.Unit, error)
}

// Ship compresses every *.log file in dir other than current into the
// upload buffer and removes the original once it is published. A file that
// fails stays in dir for the next run. Ship returns the number of files
// shipped.
func Ship(ctx context.Context, dir, current string, pub Publisher, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slogutil.Null()
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	var shipped int
	for _, p := range matches {
		if ctx.Err() != nil {
			return shipped, ctx.Err()
		}
		if filepath.Clean(p) == filepath.Clean(current) {
			continue
		}
		u, err := shipOne(p, pub)
		if err != nil {
			logger.Error("log not shipped", "path", p, "error", err)
			continue
		}
		if err := os.Remove(p); err != nil {
			logger.Warn("shipped log not removed", "path", p, "error", err)
		}
		logger.Info("log shipped", "path", p, "key", u.Key, "size", u.Size)
		shipped++
	}
	return shipped, nil
}

func shipOne(path string, pub Publisher) (omnirecorder.Unit, error) {
	src, err := os.Open(path)
	if err != nil {
		return omnirecorder.Unit{}, err
	}
	defer src.Close()

	name := filepath.Base(path) + compress.Zstd.Ext()
	return pub.PublishArtifact(ArtifactDir, name, func(w io.Writer) error {
		zw, err := compress.NewWriter(nopCloser{w}, compress.Zstd)
		if err != nil {
			return err
		}
		if _, err := io.Copy(zw, src); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	})
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
