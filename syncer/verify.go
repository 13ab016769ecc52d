package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/grokify/omnirecorder"
)

// ErrVerifyFailed indicates the stored object does not match the local unit.
var ErrVerifyFailed = errors.New("syncer: verification failed")

// verify checks the stored object against the local unit. A mismatch is
// transient: the unit stays and is uploaded again.
func verify(ctx context.Context, store omnirecorder.Store, u omnirecorder.Unit) error {
	info, err := store.Stat(ctx, u.Key)
	if err != nil {
		if omnirecorder.IsNotFound(err) {
			return omnirecorder.Transient(fmt.Errorf("%w: %s missing after upload", ErrVerifyFailed, u.Key))
		}
		return err
	}
	if info.Size() >= 0 && info.Size() != u.Size {
		return omnirecorder.Transient(fmt.Errorf("%w: %s size %d, local %d", ErrVerifyFailed, u.Key, info.Size(), u.Size))
	}

	remote := info.Hash(omnirecorder.HashMD5)
	if remote == "" {
		return nil
	}
	local, err := omnirecorder.HashFile(u.Path, omnirecorder.HashMD5)
	if err != nil {
		return omnirecorder.Transient(fmt.Errorf("hashing %s: %w", u.Path, err))
	}
	if local != remote {
		return omnirecorder.Transient(fmt.Errorf("%w: %s md5 %s, local %s", ErrVerifyFailed, u.Key, remote, local))
	}
	return nil
}
