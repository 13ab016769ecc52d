package omnirecorder

import (
	"crypto/md5" //nolint:gosec // MD5 matches S3 ETags, not used for security
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// HashType names a content hash a store may report.
type HashType string

const (
	HashNone   HashType = ""
	HashMD5    HashType = "md5"
	HashSHA256 HashType = "sha256"
)

// errUnsupportedHash is returned for hash types this package cannot compute.
var errUnsupportedHash = errors.New("omnirecorder: unsupported hash type")

// NewHash creates a hash.Hash for t, or nil if t is not supported.
func NewHash(t HashType) hash.Hash {
	switch t {
	case HashMD5:
		return md5.New() //nolint:gosec // content verification
	case HashSHA256:
		return sha256.New()
	default:
		return nil
	}
}

// HashReader returns the hex-encoded hash of everything read from r.
func HashReader(r io.Reader, t HashType) (string, error) {
	h := NewHash(t)
	if h == nil {
		return "", fmt.Errorf("%w: %q", errUnsupportedHash, t)
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex-encoded hash of the file at path.
func HashFile(path string, t HashType) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return HashReader(f, t)
}
