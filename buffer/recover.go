package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/grokify/omnirecorder"
)

// Recovery reports what Recover found after an unclean shutdown.
type Recovery struct {
	// Partials is the number of interrupted captures deleted.
	Partials int

	// Temps is the number of interrupted postprocess outputs deleted.
	Temps int

	// Duplicates is the number of captured units removed because their ready
	// counterpart had already been published.
	Duplicates int

	// Captured holds complete captured units awaiting postprocessing.
	Captured []omnirecorder.Unit
}

// Recover restores the buffer invariants at startup. It must run before the
// recording loop and the sync worker start.
func (b *Buffer) Recover(ctx context.Context) (Recovery, error) {
	var rec Recovery

	entries, err := os.ReadDir(b.working)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return rec, fmt.Errorf("buffer: listing %s: %w", b.working, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), partialPrefix) || strings.HasPrefix(e.Name(), tempPrefix) {
			if err := removeSynced(filepath.Join(b.working, e.Name())); err != nil {
				return rec, fmt.Errorf("buffer: removing partial %s: %w", e.Name(), err)
			}
			rec.Partials++
		}
	}

	err = filepath.WalkDir(b.ready, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		if err := removeSynced(p); err != nil {
			return err
		}
		rec.Temps++
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("buffer: removing temporaries: %w", err)
	}

	ready, err := b.Ready(ctx)
	if err != nil {
		return rec, err
	}
	published := make(map[string]bool, len(ready))
	for _, u := range ready {
		published[u.ID] = true
	}

	captured, err := b.Captured()
	if err != nil {
		return rec, err
	}
	for _, u := range captured {
		if published[u.ID] {
			if err := removeSynced(u.Path); err != nil {
				return rec, fmt.Errorf("buffer: removing duplicate %s: %w", u.ID, err)
			}
			rec.Duplicates++
			continue
		}
		rec.Captured = append(rec.Captured, u)
	}

	if rec.Partials+rec.Temps+rec.Duplicates > 0 || len(rec.Captured) > 0 {
		b.logger.Info("buffer recovered",
			"partials", rec.Partials,
			"temps", rec.Temps,
			"duplicates", rec.Duplicates,
			"captured", len(rec.Captured))
	}
	return rec, nil
}

// Adopt moves the units of src into b. It is used when a removable card
// returns and the internal fallback buffer still holds a backlog. Ready units
// keep their keys; captured units land in b's working area and are picked up
// by Recover.
//
// Each file is copied to a temporary name, flushed and renamed before the
// source is deleted, so a crash can duplicate a unit but never lose one.
func (b *Buffer) Adopt(ctx context.Context, src *Buffer) (int, error) {
	if src == nil || src.dir == b.dir {
		return 0, nil
	}
	moved := 0

	ready, err := src.Ready(ctx)
	if err != nil {
		return moved, err
	}
	for _, u := range ready {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if err := b.adoptFile(u.Path, b.Path(u.Key)); err != nil {
			return moved, fmt.Errorf("buffer: adopting %s: %w", u.Key, err)
		}
		src.prune(filepath.Dir(u.Path))
		moved++
	}

	captured, err := src.Captured()
	if err != nil {
		return moved, err
	}
	for _, u := range captured {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if err := b.adoptFile(u.Path, filepath.Join(b.working, u.Name())); err != nil {
			return moved, fmt.Errorf("buffer: adopting %s: %w", u.ID, err)
		}
		moved++
	}

	if moved > 0 {
		b.logger.Info("adopted backlog", "from", src.dir, "units", moved)
	}
	return moved, nil
}

func (b *Buffer) adoptFile(srcPath, dstPath string) error {
	if info, err := os.Stat(dstPath); err == nil {
		if si, serr := os.Stat(srcPath); serr == nil && si.Size() == info.Size() {
			return removeSynced(srcPath)
		}
	}
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return err
	}
	tmp := filepath.Join(dir, tempPrefix+filepath.Base(dstPath))
	if err := copyFile(srcPath, tmp, b.filePerm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := commit(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return removeSynced(srcPath)
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
