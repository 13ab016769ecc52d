// Package buffer is the durable on-disk queue between capture and upload.
//
// The buffer is a directory with two areas:
//
//	<root>/<base>/working/.partial-<id>       capture in progress
//	<root>/<base>/working/<id>.<ext>          captured
//	<root>/<base>/ready/<prefix>/.tmp-<id>    postprocess in progress
//	<root>/<base>/ready/<prefix>/<id>.<ext>   ready for upload
//
// Every stage change is a write, an fsync and a rename within one filesystem,
// followed by an fsync of the parent directory. Names starting with a dot are
// never reported by scans, so a reader sees either nothing or a complete file.
// The directory is the only state; nothing is kept in memory that a restart
// would need.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
)

const (
	workingDir = "working"
	readyDir   = "ready"

	partialPrefix = ".partial-"
	tempPrefix    = ".tmp-"

	// DefaultBase is the directory created under the storage root.
	DefaultBase = "omnirecorder"
)

// Options configures a Buffer.
type Options struct {
	// Root is the storage root chosen by the storage selector.
	Root string

	// Base is the buffer directory under Root. Default: DefaultBase.
	Base string

	// Prefix is the slash-separated directory under ready/ that postprocessed
	// units are published into. It becomes the leading part of every remote
	// key, e.g. "proj_x/bugg_RPiID-0001/conf_y".
	Prefix string

	// DirPermissions is the mode for created directories. Default: 0755.
	DirPermissions os.FileMode

	// FilePermissions is the mode for published files. Default: 0644.
	FilePermissions os.FileMode

	// Logger receives buffer events. Default: a null logger.
	Logger *slog.Logger
}

// Buffer is a directory-backed unit queue. It is safe for concurrent use by
// one recording loop and one sync worker.
type Buffer struct {
	dir      string
	working  string
	ready    string
	prefix   string
	dirPerm  os.FileMode
	filePerm os.FileMode
	logger   *slog.Logger

	// protected holds ready/ sub-directories that pruning must keep because
	// the recording loop publishes into them.
	protected map[string]bool

	mu     sync.Mutex
	lastID string
}

// Open creates the buffer directories if needed and returns a Buffer.
func Open(opts Options) (*Buffer, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("buffer: root is required")
	}
	if opts.Base == "" {
		opts.Base = DefaultBase
	}
	if opts.DirPermissions == 0 {
		opts.DirPermissions = 0755
	}
	if opts.FilePermissions == 0 {
		opts.FilePermissions = 0644
	}
	if opts.Logger == nil {
		opts.Logger = slogutil.Null()
	}
	prefix := strings.Trim(path.Clean("/"+filepath.ToSlash(opts.Prefix)), "/")

	dir := filepath.Join(opts.Root, opts.Base)
	b := &Buffer{
		dir:       dir,
		working:   filepath.Join(dir, workingDir),
		ready:     filepath.Join(dir, readyDir),
		prefix:    prefix,
		dirPerm:   opts.DirPermissions,
		filePerm:  opts.FilePermissions,
		logger:    opts.Logger,
		protected: map[string]bool{},
	}
	for p := prefix; p != "" && p != "."; p = path.Dir(p) {
		b.protected[filepath.Join(b.ready, filepath.FromSlash(p))] = true
	}

	for _, d := range []string{b.working, b.prefixDir()} {
		if err := os.MkdirAll(d, b.dirPerm); err != nil {
			return nil, fmt.Errorf("buffer: creating %s: %w", d, err)
		}
	}
	return b, nil
}

// Dir returns the buffer directory.
func (b *Buffer) Dir() string { return b.dir }

// Prefix returns the key prefix units are published under.
func (b *Buffer) Prefix() string { return b.prefix }

func (b *Buffer) prefixDir() string {
	return filepath.Join(b.ready, filepath.FromSlash(b.prefix))
}

// NewSlot reserves a capture destination for a capture starting at now. The
// id is bumped by a millisecond while it collides with an existing unit or
// does not sort after the previous id of this run.
func (b *Buffer) NewSlot(now time.Time, ext string) (*omnirecorder.Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := now.UTC().Truncate(time.Millisecond)
	id := omnirecorder.NewUnitID(t)
	if b.lastID != "" && id <= b.lastID {
		if last, err := omnirecorder.ParseUnitID(b.lastID); err == nil {
			t = last.Add(time.Millisecond)
			id = omnirecorder.NewUnitID(t)
		}
	}
	for b.taken(id) {
		t = t.Add(time.Millisecond)
		id = omnirecorder.NewUnitID(t)
	}
	b.lastID = id

	if err := os.MkdirAll(b.working, b.dirPerm); err != nil {
		return nil, fmt.Errorf("buffer: creating %s: %w", b.working, err)
	}
	return &omnirecorder.Slot{
		ID:   id,
		Path: filepath.Join(b.working, partialPrefix+id),
		Ext:  strings.TrimPrefix(ext, "."),
	}, nil
}

func (b *Buffer) taken(id string) bool {
	for _, dir := range []string{b.working, b.prefixDir()} {
		matches, _ := filepath.Glob(filepath.Join(dir, id+"*"))
		if len(matches) > 0 {
			return true
		}
		matches, _ = filepath.Glob(filepath.Join(dir, ".*-"+id+"*"))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

// Seal turns a completed capture slot into a captured unit.
func (b *Buffer) Seal(slot *omnirecorder.Slot) (omnirecorder.Unit, error) {
	dst := filepath.Join(b.working, omnirecorder.FileName(slot.ID, slot.Ext))
	if err := commit(slot.Path, dst); err != nil {
		return omnirecorder.Unit{}, fmt.Errorf("buffer: sealing %s: %w", slot.ID, err)
	}
	u, err := b.unit(dst, omnirecorder.StageCaptured)
	if err != nil {
		return omnirecorder.Unit{}, err
	}
	b.logger.Debug("unit captured", "id", u.ID, "size", u.Size)
	return u, nil
}

// Discard deletes whatever a failed capture or postprocess left at slot.
func (b *Buffer) Discard(slot *omnirecorder.Slot) error {
	if slot == nil {
		return nil
	}
	if err := os.Remove(slot.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("buffer: discarding %s: %w", slot.Path, err)
	}
	return nil
}

// ReadySlot returns the temporary destination for postprocessing u.
func (b *Buffer) ReadySlot(u omnirecorder.Unit) (*omnirecorder.Slot, error) {
	dir := b.prefixDir()
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return nil, fmt.Errorf("buffer: creating %s: %w", dir, err)
	}
	return &omnirecorder.Slot{
		ID:   u.ID,
		Path: filepath.Join(dir, tempPrefix+u.ID),
		Ext:  u.Ext,
	}, nil
}

// Publish makes the postprocessed slot visible as a ready unit and then
// removes the captured source. A crash between the two steps leaves both;
// Recover drops the captured copy.
func (b *Buffer) Publish(src omnirecorder.Unit, slot *omnirecorder.Slot) (omnirecorder.Unit, error) {
	dst := filepath.Join(filepath.Dir(slot.Path), omnirecorder.FileName(slot.ID, slot.Ext))
	if err := commit(slot.Path, dst); err != nil {
		return omnirecorder.Unit{}, fmt.Errorf("buffer: publishing %s: %w", slot.ID, err)
	}
	if err := removeSynced(src.Path); err != nil {
		b.logger.Warn("captured copy not removed", "id", src.ID, "error", err)
	}
	return b.unit(dst, omnirecorder.StageReady)
}

// Promote moves a captured unit to the ready area unchanged.
func (b *Buffer) Promote(u omnirecorder.Unit) (omnirecorder.Unit, error) {
	dir := b.prefixDir()
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return omnirecorder.Unit{}, fmt.Errorf("buffer: creating %s: %w", dir, err)
	}
	dst := filepath.Join(dir, u.Name())
	if err := os.Rename(u.Path, dst); err != nil {
		return omnirecorder.Unit{}, fmt.Errorf("buffer: promoting %s: %w", u.ID, err)
	}
	if err := syncDir(dir); err != nil {
		return omnirecorder.Unit{}, err
	}
	if err := syncDir(b.working); err != nil {
		return omnirecorder.Unit{}, err
	}
	return b.unit(dst, omnirecorder.StageReady)
}

// PublishArtifact writes an auxiliary ready unit under ready/<dir>, such as a
// shipped log file. write receives the temporary file.
func (b *Buffer) PublishArtifact(dir, name string, write func(io.Writer) error) (omnirecorder.Unit, error) {
	full := filepath.Join(b.ready, filepath.FromSlash(dir))
	if err := os.MkdirAll(full, b.dirPerm); err != nil {
		return omnirecorder.Unit{}, fmt.Errorf("buffer: creating %s: %w", full, err)
	}
	tmp := filepath.Join(full, tempPrefix+name)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, b.filePerm)
	if err != nil {
		return omnirecorder.Unit{}, fmt.Errorf("buffer: creating %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return omnirecorder.Unit{}, fmt.Errorf("buffer: writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return omnirecorder.Unit{}, err
	}
	dst := filepath.Join(full, name)
	if err := commit(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return omnirecorder.Unit{}, fmt.Errorf("buffer: publishing %s: %w", name, err)
	}
	return b.unit(dst, omnirecorder.StageReady)
}

// Captured returns the captured units in the working area, oldest first.
func (b *Buffer) Captured() ([]omnirecorder.Unit, error) {
	entries, err := os.ReadDir(b.working)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("buffer: listing %s: %w", b.working, err)
	}
	var units []omnirecorder.Unit
	for _, e := range entries {
		if e.IsDir() || hidden(e.Name()) {
			continue
		}
		u, err := b.unit(filepath.Join(b.working, e.Name()), omnirecorder.StageCaptured)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		units = append(units, u)
	}
	sortUnits(units)
	return units, nil
}

// Ready returns every ready unit under the ready area, oldest first.
// Directories and files whose names start with a dot are skipped.
func (b *Buffer) Ready(ctx context.Context) ([]omnirecorder.Unit, error) {
	var units []omnirecorder.Unit
	err := filepath.WalkDir(b.ready, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p != b.ready && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		u, err := b.unit(p, omnirecorder.StageReady)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("buffer: scanning %s: %w", b.ready, err)
	}
	sortUnits(units)
	return units, nil
}

// Remove deletes an uploaded unit and prunes directories it leaves empty.
// Removing a unit that is already gone is not an error.
func (b *Buffer) Remove(u omnirecorder.Unit) error {
	if u.Stage != omnirecorder.StageReady {
		return fmt.Errorf("buffer: removing %s unit %s", u.Stage, u.ID)
	}
	if !within(b.ready, u.Path) {
		return fmt.Errorf("%w: %s", omnirecorder.ErrInvalidKey, u.Path)
	}
	if err := removeSynced(u.Path); err != nil {
		return fmt.Errorf("buffer: removing %s: %w", u.Key, err)
	}
	b.prune(filepath.Dir(u.Path))
	return nil
}

func (b *Buffer) prune(dir string) {
	for dir != b.ready && within(b.ready, dir) && !b.protected[dir] {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Path returns the local path of a ready key.
func (b *Buffer) Path(key string) string {
	return filepath.Join(b.ready, filepath.FromSlash(key))
}

// Key returns the remote key of a path in the ready area.
func (b *Buffer) Key(p string) (string, error) {
	rel, err := filepath.Rel(b.ready, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", omnirecorder.ErrInvalidKey, p)
	}
	return filepath.ToSlash(rel), nil
}

// Stats summarises the buffer contents.
type Stats struct {
	Captured      int
	CapturedBytes int64
	Ready         int
	ReadyBytes    int64
}

// Stats counts units and bytes per stage.
func (b *Buffer) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	captured, err := b.Captured()
	if err != nil {
		return s, err
	}
	for _, u := range captured {
		s.Captured++
		s.CapturedBytes += u.Size
	}
	ready, err := b.Ready(ctx)
	if err != nil {
		return s, err
	}
	for _, u := range ready {
		s.Ready++
		s.ReadyBytes += u.Size
	}
	return s, nil
}

func (b *Buffer) unit(p string, stage omnirecorder.Stage) (omnirecorder.Unit, error) {
	info, err := os.Stat(p)
	if err != nil {
		return omnirecorder.Unit{}, err
	}
	id, ext := splitName(filepath.Base(p))
	u := omnirecorder.Unit{
		ID:      id,
		Ext:     ext,
		Path:    p,
		Stage:   stage,
		Size:    info.Size(),
		Created: info.ModTime(),
	}
	if t, err := omnirecorder.ParseUnitID(id); err == nil {
		u.Created = t
	}
	if stage == omnirecorder.StageReady {
		if u.Key, err = b.Key(p); err != nil {
			return omnirecorder.Unit{}, err
		}
	}
	return u, nil
}

// splitName separates a unit id from its extension. Names that do not start
// with a unit id are split at the first dot.
func splitName(name string) (id, ext string) {
	n := len(omnirecorder.IDLayout)
	if len(name) >= n {
		if _, err := omnirecorder.ParseUnitID(name[:n]); err == nil {
			return name[:n], strings.TrimPrefix(name[n:], ".")
		}
	}
	if i := strings.Index(name, "."); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func sortUnits(units []omnirecorder.Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		if !units[i].Created.Equal(units[j].Created) {
			return units[i].Created.Before(units[j].Created)
		}
		if units[i].ID != units[j].ID {
			return units[i].ID < units[j].ID
		}
		return units[i].Key < units[j].Key
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
