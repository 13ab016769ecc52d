// Package storage chooses the filesystem root the buffer lives on.
//
// A removable card is preferred. It is mounted if needed and then probed by
// writing, reading back and deleting a file at its root and in each of its
// first-level directories, since a corrupt card often fails only in some
// directories. If the card is missing or fails the probe, the internal root
// is used instead. The decision is made once per run.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
)

// Defaults used when Selector fields are zero.
const (
	DefaultMountPoint    = "/mnt/sd"
	DefaultDevicePattern = "/dev/mmcblk1p*"
	DefaultProbeTimeout  = 10 * time.Second
)

// Root is the chosen storage root.
type Root struct {
	// Path is the directory the buffer is created in.
	Path string

	// Removable is true when Path is on removable media.
	Removable bool

	// Reason explains why the internal root was chosen. Empty otherwise.
	Reason string
}

// Removable describes the removable storage candidate.
type Removable struct {
	// MountPoint is where the card is, or will be, mounted.
	// An empty MountPoint disables the removable candidate.
	MountPoint string

	// DevicePattern is a glob of block devices to try mounting.
	DevicePattern string
}

// Mounter mounts removable block devices.
type Mounter interface {
	// IsMounted reports whether a filesystem is mounted at mountPoint.
	IsMounted(mountPoint string) (bool, error)

	// Mount mounts device at mountPoint.
	Mount(ctx context.Context, device, mountPoint string) error
}

// Selector picks a storage root. The zero value is not usable; set at least
// Internal. A Selector is safe for concurrent use.
type Selector struct {
	Removable    Removable
	Internal     string
	ProbeTimeout time.Duration
	Mounter      Mounter
	Logger       *slog.Logger

	mu      sync.Mutex
	decided bool
	root    Root
	err     error
}

// Select returns the storage root for this run. The first call decides;
// later calls return the same result.
func (s *Selector) Select(ctx context.Context) (Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decided {
		return s.root, s.err
	}
	s.root, s.err = s.choose(ctx)
	s.decided = true
	return s.root, s.err
}

func (s *Selector) choose(ctx context.Context) (Root, error) {
	logger := s.Logger
	if logger == nil {
		logger = slogutil.Null()
	}
	timeout := s.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	reason := "no removable storage configured"
	if mp := s.Removable.MountPoint; mp != "" {
		err := s.mountRemovable(ctx, mp)
		if err == nil {
			err = Probe(ctx, mp, timeout)
		}
		if err == nil {
			logger.Info("storage selected", "path", mp, "removable", true)
			return Root{Path: mp, Removable: true}, nil
		}
		reason = err.Error()
		logger.Warn("removable storage unusable, falling back", "mount_point", mp, "error", err)
	}

	if s.Internal == "" {
		return Root{}, fmt.Errorf("%w: %s; no internal root", omnirecorder.ErrStorageUnavailable, reason)
	}
	if err := os.MkdirAll(s.Internal, 0755); err != nil {
		return Root{}, fmt.Errorf("%w: %s; internal: %v", omnirecorder.ErrStorageUnavailable, reason, err)
	}
	if err := Probe(ctx, s.Internal, timeout); err != nil {
		return Root{}, fmt.Errorf("%w: %s; internal: %v", omnirecorder.ErrStorageUnavailable, reason, err)
	}
	logger.Info("storage selected", "path", s.Internal, "removable", false, "reason", reason)
	return Root{Path: s.Internal, Reason: reason}, nil
}

func (s *Selector) mountRemovable(ctx context.Context, mp string) error {
	m := s.Mounter
	if m == nil {
		m = SystemMounter{}
	}
	mounted, err := m.IsMounted(mp)
	if err != nil {
		return fmt.Errorf("checking mount %s: %w", mp, err)
	}
	if mounted {
		return nil
	}

	pattern := s.Removable.DevicePattern
	if pattern == "" {
		pattern = DefaultDevicePattern
	}
	devices, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("device pattern %q: %w", pattern, err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no removable device matches %s", pattern)
	}
	var errs []error
	for _, dev := range devices {
		if err := m.Mount(ctx, dev, mp); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev, err))
			continue
		}
		return nil
	}
	return fmt.Errorf("mounting %s: %w", mp, errors.Join(errs...))
}

// Probe checks that dir accepts writes, bounded by timeout. A probe that
// hangs on a failing card is abandoned when the timeout expires.
func Probe(ctx context.Context, dir string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- probe(dir) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("probing %s: %w", dir, ctx.Err())
	}
}

func probe(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("probing %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("probing %s: not a directory", dir)
	}
	if err := probeFile(dir, true); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("probing %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := probeFile(filepath.Join(dir, e.Name()), false); err != nil {
			return err
		}
	}
	return nil
}

func probeFile(dir string, verify bool) error {
	name := filepath.Join(dir, ".probe-"+strconv.Itoa(os.Getpid())+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	want := []byte("omnirecorder storage probe\n")

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("probe write %s: %w", dir, err)
	}
	defer func() { _ = os.Remove(name) }()

	if _, err := f.Write(want); err != nil {
		_ = f.Close()
		return fmt.Errorf("probe write %s: %w", dir, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("probe sync %s: %w", dir, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("probe close %s: %w", dir, err)
	}
	if verify {
		got, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("probe read %s: %w", dir, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("probe read %s: content mismatch", dir)
		}
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("probe remove %s: %w", dir, err)
	}
	return nil
}
