//go:build !linux

package storage

import (
	"context"
	"errors"
	"os"
)

// SystemMounter cannot mount devices on this platform. Removable media must
// be mounted by the operating system before the recorder starts.
type SystemMounter struct{}

// IsMounted reports whether mountPoint exists as a directory.
func (SystemMounter) IsMounted(mountPoint string) (bool, error) {
	info, err := os.Stat(mountPoint)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Mount always fails.
func (SystemMounter) Mount(context.Context, string, string) error {
	return errors.New("storage: mounting is only supported on linux")
}
