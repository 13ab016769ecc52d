// Package syncer drains ready units from the buffer to a remote store.
//
// A Worker scans the ready area oldest-first and uploads each unit. A unit is
// removed locally only after the store has acknowledged it, and optionally
// after the stored size and checksum have been confirmed. Transient failures
// are retried with per-unit exponential backoff; a permanent failure
// quarantines the unit for the rest of the process lifetime and leaves it on
// disk for manual inspection.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/connectivity"
	"github.com/grokify/omnirecorder/metrics"
)

// Defaults used when Options fields are zero.
const (
	DefaultInterval               = 20 * time.Minute
	DefaultMaxConsecutiveFailures = 3
)

// Queue is the part of the buffer the worker reads and deletes from.
type Queue interface {
	Ready(ctx context.Context) ([]omnirecorder.Unit, error)
	Remove(u omnirecorder.Unit) error
}

// Outcome is the result of one upload attempt.
type Outcome string

const (
	OutcomeAcked     Outcome = metrics.OutcomeAcked
	OutcomeTransient Outcome = metrics.OutcomeTransient
	OutcomePermanent Outcome = metrics.OutcomePermanent
)

// UploadAttempt records one delivery attempt. Attempts are kept in memory only.
type UploadAttempt struct {
	Key      string
	Attempt  int
	Outcome  Outcome
	Err      error
	Time     time.Time
	Duration time.Duration

	// Backoff is the wait before the unit becomes eligible again. Zero unless
	// Outcome is OutcomeTransient.
	Backoff time.Duration
}

// Options configures a Worker.
type Options struct {
	// Interval is the pause between passes. Default: DefaultInterval.
	Interval time.Duration

	// StartDelay postpones the first pass so the first capture can finish.
	StartDelay time.Duration

	// Backoff configures per-unit retry delays.
	Backoff BackoffConfig

	// BandwidthLimit caps upload throughput in bytes per second.
	// 0 means unlimited.
	BandwidthLimit int64

	// Verify confirms size, and MD5 where the store reports one, with a Stat
	// after each upload.
	Verify bool

	// MaxConsecutiveFailures ends a pass early after this many transient
	// failures in a row. Default: DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int

	// UploadTimeout bounds a single upload. 0 means no limit.
	UploadTimeout time.Duration

	// Guard, if set, is awaited before every pass.
	Guard *connectivity.Guard

	// Link, if set, is brought up before and down after every pass.
	Link connectivity.Link

	// OnAttempt is called after every upload attempt.
	OnAttempt func(UploadAttempt)

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type unitState struct {
	failures int
	next     time.Time
}

// Worker uploads ready units. Pass and Run must not be called concurrently.
type Worker struct {
	queue  Queue
	store  omnirecorder.Store
	opts   Options
	bucket *tokenBucket
	logger *slog.Logger

	mu          sync.Mutex
	pending     map[string]*unitState
	quarantined map[string]error
}

// New creates a Worker.
func New(queue Queue, store omnirecorder.Store, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoffConfig()
	}
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slogutil.Null()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return &Worker{
		queue:       queue,
		store:       store,
		opts:        opts,
		bucket:      newTokenBucket(opts.BandwidthLimit),
		logger:      opts.Logger,
		pending:     make(map[string]*unitState),
		quarantined: make(map[string]error),
	}
}

// PassResult summarises one scan.
type PassResult struct {
	Uploaded    int
	Failed      int
	Quarantined int
	Skipped     int
	Bytes       int64

	// Stopped is true when the pass ended early after consecutive failures.
	Stopped bool
}

// Pass scans the ready area once and attempts every eligible unit.
func (w *Worker) Pass(ctx context.Context) (PassResult, error) {
	var res PassResult

	units, err := w.queue.Ready(ctx)
	if err != nil {
		return res, fmt.Errorf("syncer: scanning ready units: %w", err)
	}
	w.forgetMissing(units)

	consecutive := 0
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !w.eligible(u.Key) {
			res.Skipped++
			continue
		}

		start := w.opts.now()
		err := w.upload(ctx, u)
		attempt := UploadAttempt{
			Key:      u.Key,
			Time:     start,
			Duration: w.opts.now().Sub(start),
			Err:      err,
		}

		switch {
		case err == nil:
			attempt.Outcome = OutcomeAcked
			attempt.Attempt = w.clear(u.Key)
			// The store has the unit; a failed delete only means it is sent
			// again next pass, which overwrites the same key.
			if rerr := w.queue.Remove(u); rerr != nil {
				w.logger.Error("uploaded unit not removed", "key", u.Key, "error", rerr)
			} else {
				w.logger.Info("unit uploaded", "key", u.Key, "size", u.Size, "duration", attempt.Duration)
			}
			res.Uploaded++
			res.Bytes += u.Size
			consecutive = 0

		case errors.Is(err, errVanished):
			w.clear(u.Key)
			res.Skipped++
			continue

		case ctx.Err() != nil:
			return res, ctx.Err()

		case omnirecorder.IsPermanent(err):
			attempt.Outcome = OutcomePermanent
			attempt.Attempt = w.quarantine(u.Key, err)
			w.logger.Error("upload rejected, unit kept for inspection", "key", u.Key, "path", u.Path, "error", err)
			res.Quarantined++

		default:
			attempt.Outcome = OutcomeTransient
			attempt.Attempt, attempt.Backoff = w.postpone(u.Key)
			w.logger.Warn("upload failed, will retry", "key", u.Key, "attempt", attempt.Attempt, "backoff", attempt.Backoff, "error", err)
			res.Failed++
			consecutive++
		}

		w.record(attempt, u.Size)

		if consecutive >= w.opts.MaxConsecutiveFailures {
			w.logger.Warn("ending pass after consecutive failures", "failures", consecutive)
			res.Stopped = true
			break
		}
	}
	return res, nil
}

// Run uploads continuously until ctx is cancelled. It returns nil on
// cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.StartDelay > 0 {
		w.logger.Info("sync worker waiting before first pass", "delay", w.opts.StartDelay)
		if err := w.opts.sleep(ctx, w.opts.StartDelay); err != nil {
			return nil
		}
	}
	for {
		wait := w.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err := w.opts.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// cycle runs one pass with the link up and returns how long to wait before
// the next.
func (w *Worker) cycle(ctx context.Context) time.Duration {
	start := w.opts.now()
	if w.opts.Link != nil {
		if err := w.opts.Link.Up(ctx); err != nil {
			w.logger.Warn("link up failed", "error", err)
			return w.opts.Interval
		}
		defer func() {
			if err := w.opts.Link.Down(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("link down failed", "error", err)
			}
		}()
	}

	if w.opts.Guard != nil {
		waitStart := w.opts.now()
		if err := w.opts.Guard.AwaitForever(ctx); err != nil {
			return w.opts.Interval
		}
		w.opts.Metrics.ConnectivityWait(w.opts.now().Sub(waitStart))
	}

	res, err := w.Pass(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("sync pass failed", "error", err)
		}
		return w.opts.Interval
	}
	if res.Uploaded+res.Failed+res.Quarantined > 0 {
		w.logger.Info("sync pass finished",
			"uploaded", res.Uploaded,
			"failed", res.Failed,
			"quarantined", res.Quarantined,
			"skipped", res.Skipped,
			"bytes", res.Bytes)
	}
	return w.nextWait(start)
}

// nextWait returns what is left of the interval that began at start,
// shortened to the earliest pending retry.
func (w *Worker) nextWait(start time.Time) time.Duration {
	now := w.opts.now()
	wait := w.opts.Interval - now.Sub(start)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.pending {
		if d := st.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

var errVanished = errors.New("syncer: unit vanished before upload")

func (w *Worker) upload(ctx context.Context, u omnirecorder.Unit) error {
	if w.opts.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.UploadTimeout)
		defer cancel()
	}

	f, err := os.Open(u.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errVanished
		}
		return omnirecorder.Transient(fmt.Errorf("opening %s: %w", u.Path, err))
	}
	defer func() { _ = f.Close() }()

	r := newRateLimitedReader(ctx, f, w.bucket)
	opts := []omnirecorder.PutOption{omnirecorder.WithContentType(contentType(u.Key))}
	if err := w.store.Put(ctx, u.Key, r, u.Size, opts...); err != nil {
		return err
	}
	if w.opts.Verify {
		return verify(ctx, w.store, u)
	}
	return nil
}

func (w *Worker) record(a UploadAttempt, size int64) {
	w.opts.Metrics.Upload(string(a.Outcome), size, a.Duration)
	if a.Outcome == OutcomePermanent {
		w.opts.Metrics.Quarantined(len(w.Quarantined()))
	}
	if w.opts.OnAttempt != nil {
		w.opts.OnAttempt(a)
	}
}

func (w *Worker) eligible(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.quarantined[key]; ok {
		return false
	}
	st, ok := w.pending[key]
	return !ok || !w.opts.now().Before(st.next)
}

// postpone records a transient failure and returns the attempt number and the
// backoff applied.
func (w *Worker) postpone(key string) (int, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.pending[key]
	if !ok {
		st = &unitState{}
		w.pending[key] = st
	}
	st.failures++
	backoff := w.opts.Backoff.Delay(st.failures)
	st.next = w.opts.now().Add(backoff)
	return st.failures, backoff
}

// clear forgets a unit's failures and returns its attempt number.
func (w *Worker) clear(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 1
	if st, ok := w.pending[key]; ok {
		n = st.failures + 1
	}
	delete(w.pending, key)
	return n
}

func (w *Worker) quarantine(key string, err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 1
	if st, ok := w.pending[key]; ok {
		n = st.failures + 1
	}
	delete(w.pending, key)
	w.quarantined[key] = err
	return n
}

// forgetMissing drops retry and quarantine state for units no longer in the
// ready area.
func (w *Worker) forgetMissing(units []omnirecorder.Unit) {
	listed := make(map[string]bool, len(units))
	for _, u := range units {
		listed[u.Key] = true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.pending {
		if !listed[key] {
			delete(w.pending, key)
		}
	}
	for key := range w.quarantined {
		if !listed[key] {
			delete(w.quarantined, key)
		}
	}
}

// Quarantined returns the keys rejected permanently during this process
// lifetime, sorted.
func (w *Worker) Quarantined() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.quarantined))
	for k := range w.quarantined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".zst":  "application/zstd",
	".gz":   "application/gzip",
	".json": "application/json",
	".log":  "text/plain",
}

func contentType(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
