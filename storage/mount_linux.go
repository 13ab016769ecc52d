//go:build linux

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Filesystems tried, in order, when mounting a removable device.
var mountFSTypes = []string{"vfat", "exfat", "ext4"}

// SystemMounter mounts devices with mount(2).
type SystemMounter struct{}

// IsMounted reports whether mountPoint is on a different device than its
// parent directory.
func (SystemMounter) IsMounted(mountPoint string) (bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Stat(mountPoint, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	if err := unix.Stat(filepath.Dir(filepath.Clean(mountPoint)), &parent); err != nil {
		return false, err
	}
	return st.Dev != parent.Dev, nil
}

// Mount tries each supported filesystem type in turn.
func (SystemMounter) Mount(ctx context.Context, device, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return err
	}
	var errs []error
	for _, fstype := range mountFSTypes {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := unix.Mount(device, mountPoint, fstype, unix.MS_NOATIME|unix.MS_NODEV|unix.MS_NOSUID, "")
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", fstype, err))
	}
	return errors.Join(errs...)
}
