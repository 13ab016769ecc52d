// Package multi fans uploads out to several stores at once.
//
// A unit counts as delivered only when every store has acknowledged it, so
// the sync worker never deletes a unit that one destination is missing. A
// failed Put is retried against all stores; keys are overwritten in place.
//
// Example usage:
//
//	primary, _ := s3.New(s3Config)
//	mirror, _ := sftp.New(sftpConfig)
//	store, _ := multi.New(primary, mirror)
package multi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/grokify/omnirecorder"
)

// Store uploads to every underlying store. Stat is served by the first.
type Store struct {
	stores []omnirecorder.Store

	mu     sync.RWMutex
	closed bool
}

// New returns a Store over stores. Nil entries are skipped; at least one
// store is required.
func New(stores ...omnirecorder.Store) (*Store, error) {
	var valid []omnirecorder.Store
	for _, s := range stores {
		if s != nil {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, errors.New("multi: at least one store is required")
	}
	return &Store{stores: valid}, nil
}

// Stores returns the number of underlying stores.
func (s *Store) Stores() int {
	return len(s.stores)
}

// Put streams r to all stores concurrently. The result is permanent if any
// store rejected the unit permanently, and transient otherwise.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, opts ...omnirecorder.PutOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if len(s.stores) == 1 {
		return s.stores[0].Put(ctx, key, r, size, opts...)
	}

	readers := make([]*io.PipeReader, len(s.stores))
	writers := make([]io.Writer, len(s.stores))
	pipes := make([]*io.PipeWriter, len(s.stores))
	for i := range s.stores {
		readers[i], pipes[i] = io.Pipe()
		writers[i] = pipes[i]
	}

	errs := make([]error, len(s.stores))
	var wg sync.WaitGroup
	for i, st := range s.stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = st.Put(ctx, key, readers[i], size, opts...)
			if errs[i] != nil {
				_ = readers[i].CloseWithError(errs[i])
			} else {
				_ = readers[i].Close()
			}
		}()
	}

	_, cerr := io.Copy(io.MultiWriter(writers...), r)
	for _, pw := range pipes {
		_ = pw.CloseWithError(cerr)
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Errorf("store %d: %w", i, err))
		}
	}
	if len(failed) == 0 {
		if cerr != nil {
			return omnirecorder.Transient(cerr)
		}
		return nil
	}
	merr := &Error{Errors: failed}
	if omnirecorder.IsPermanent(merr) {
		return merr
	}
	return omnirecorder.Transient(merr)
}

// Stat returns metadata from the first store.
func (s *Store) Stat(ctx context.Context, key string) (omnirecorder.ObjectInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return s.stores[0].Stat(ctx, key)
}

// Probe succeeds when every store is reachable.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	var errs []error
	for i, st := range s.stores {
		if err := st.Probe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all stores.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return omnirecorder.ErrStoreClosed
	}
	return nil
}

// Error collects the failures of a fanned-out upload.
type Error struct {
	Errors []error
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "multi: " + strings.Join(msgs, "; ")
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return e.Errors
}
