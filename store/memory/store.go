// Package memory provides an in-memory Store.
//
// The memory store is useful for:
//   - Unit testing the sync worker without a network
//   - Bench runs of a recorder with no uplink
//   - Injecting upload faults
//
// Data is held in RAM and lost when the process exits.
package memory

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // matches S3 ETags
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grokify/omnirecorder"
)

func init() {
	omnirecorder.RegisterStore("memory", NewFromConfig)
}

// ErrUnreachable is returned by Probe and Put while the store is offline.
var ErrUnreachable = errors.New("memory: store unreachable")

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modTime     time.Time
	md5         string
}

// Fault decides the outcome of a Put before any data is stored. Returning
// nil lets the Put proceed. attempt counts Puts of key, starting at 1.
type Fault func(key string, attempt int) error

// Store implements omnirecorder.Store in memory.
type Store struct {
	objects  map[string]*object
	attempts map[string]int
	fault    Fault
	offline  bool
	puts     int
	probes   int
	closed   bool
	mu       sync.RWMutex
}

// New creates an empty memory store.
func New() *Store {
	return &Store{
		objects:  make(map[string]*object),
		attempts: make(map[string]int),
	}
}

// NewFromConfig creates a memory store. Configuration is ignored.
func NewFromConfig(_ map[string]string) (omnirecorder.Store, error) {
	return New(), nil
}

// SetFault installs f for subsequent Puts. A nil f clears it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// SetOffline makes Probe and Put fail with a transient ErrUnreachable.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Put stores the object once all size bytes have been read.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, opts ...omnirecorder.PutOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return omnirecorder.Permanent(err)
	}
	key = normalizeKey(key)

	s.mu.Lock()
	s.puts++
	s.attempts[key]++
	attempt := s.attempts[key]
	fault, offline := s.fault, s.offline
	s.mu.Unlock()

	if offline {
		return omnirecorder.Transient(ErrUnreachable)
	}
	if fault != nil {
		if err := fault(key, attempt); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return omnirecorder.Transient(fmt.Errorf("reading %s: %w", key, err))
	}
	if size >= 0 && n != size {
		return omnirecorder.Transient(fmt.Errorf("short body for %s: %d of %d bytes", key, n, size))
	}

	config := omnirecorder.ApplyPutOptions(opts...)
	sum := md5.Sum(buf.Bytes())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &object{
		data:        buf.Bytes(),
		contentType: config.ContentType,
		metadata:    config.Metadata,
		modTime:     time.Now(),
		md5:         hex.EncodeToString(sum[:]),
	}
	return nil
}

// Stat returns object metadata, including its MD5.
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
	key = normalizeKey(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, omnirecorder.ErrNotFound
	}
	return &omnirecorder.BasicObjectInfo{
		ObjectKey:     key,
		ObjectSize:    int64(len(obj.data)),
		ObjectModTime: obj.modTime,
		ObjectHashes:  map[omnirecorder.HashType]string{omnirecorder.HashMD5: obj.md5},
	}, nil
}

// Probe fails while the store is offline.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if s.offline {
		return ErrUnreachable
	}
	return ctx.Err()
}

// Close marks the store closed. Stored data stays readable through Get.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Get returns a copy of a stored object's data.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[normalizeKey(key)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// ContentType returns the content type an object was stored with.
func (s *Store) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if obj, ok := s.objects[normalizeKey(key)]; ok {
		return obj.contentType
	}
	return ""
}

// Keys returns all stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns the number of Put calls, including failed ones.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Probes returns the number of Probe calls.
func (s *Store) Probes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.probes
}

// Attempts returns the number of Put calls for key.
func (s *Store) Attempts(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts[normalizeKey(key)]
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return omnirecorder.ErrStoreClosed
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return omnirecorder.ErrInvalidKey
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(key, "..") {
		return omnirecorder.ErrInvalidKey
	}
	return nil
}

func normalizeKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

var _ omnirecorder.Store = (*Store)(nil)
