// Package recorder runs the capture cycle: capture, postprocess, sleep,
// forever.
//
// Capture runs on the loop goroutine. Postprocessing of a captured unit runs
// in the background so the next capture starts on time; the two touch
// disjoint files. A failed capture discards its slot. A failed postprocess
// leaves the unit captured so the next boot processes it again. Nothing is
// ever dropped silently.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/metrics"
)

// DefaultRetryDelay is the pause after a failed capture when the sensor
// would otherwise capture again immediately.
const DefaultRetryDelay = 10 * time.Second

// Buffer is the part of the buffer the loop writes to.
type Buffer interface {
	NewSlot(now time.Time, ext string) (*omnirecorder.Slot, error)
	Seal(slot *omnirecorder.Slot) (omnirecorder.Unit, error)
	Discard(slot *omnirecorder.Slot) error
	ReadySlot(u omnirecorder.Unit) (*omnirecorder.Slot, error)
	Publish(src omnirecorder.Unit, slot *omnirecorder.Slot) (omnirecorder.Unit, error)
	Promote(u omnirecorder.Unit) (omnirecorder.Unit, error)
}

// Options configures a Loop.
type Options struct {
	// CaptureDelay is the pause between captures for sensors that do not
	// implement omnirecorder.Sleeper.
	CaptureDelay time.Duration

	// RetryDelay is the minimum pause after a failed capture.
	// Default: DefaultRetryDelay.
	RetryDelay time.Duration

	// PostprocessWorkers bounds concurrent postprocess runs. Default: 1.
	PostprocessWorkers int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Loop is the recording loop.
type Loop struct {
	sensor omnirecorder.Sensor
	buf    Buffer
	opts   Options
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Loop.
func New(sensor omnirecorder.Sensor, buf Buffer, opts Options) *Loop {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.PostprocessWorkers <= 0 {
		opts.PostprocessWorkers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slogutil.Null()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return &Loop{
		sensor: sensor,
		buf:    buf,
		opts:   opts,
		logger: opts.Logger.With("sensor", sensor.Name()),
		sem:    make(chan struct{}, opts.PostprocessWorkers),
	}
}

// Run captures until ctx is cancelled, then waits for background
// postprocessing to finish. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Wait()
	l.logger.Info("recording loop started")

	for ctx.Err() == nil {
		err := l.Cycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			l.logger.Error("capture failed", "error", err)
		}
		if err := l.pause(ctx, err != nil); err != nil {
			break
		}
	}
	l.logger.Info("recording loop stopped")
	return nil
}

// Cycle performs one capture and schedules its postprocessing. It does not
// sleep.
func (l *Loop) Cycle(ctx context.Context) error {
	slot, err := l.buf.NewSlot(l.opts.now(), "")
	if err != nil {
		l.opts.Metrics.Capture(err)
		return fmt.Errorf("%w: %v", omnirecorder.ErrCapture, err)
	}

	l.logger.Debug("capture started", "id", slot.ID)
	if err := l.sensor.Capture(ctx, slot); err != nil {
		if derr := l.buf.Discard(slot); derr != nil {
			l.logger.Warn("failed capture not discarded", "id", slot.ID, "error", derr)
		}
		l.opts.Metrics.Capture(err)
		return fmt.Errorf("%w: %s: %v", omnirecorder.ErrCapture, slot.ID, err)
	}

	u, err := l.buf.Seal(slot)
	if err != nil {
		_ = l.buf.Discard(slot)
		l.opts.Metrics.Capture(err)
		return fmt.Errorf("%w: %s: %v", omnirecorder.ErrCapture, slot.ID, err)
	}
	l.opts.Metrics.Capture(nil)
	l.logger.Info("capture finished", "id", u.ID, "size", u.Size)

	l.dispatch(ctx, u)
	return nil
}

// Reprocess schedules postprocessing for units captured before a restart.
func (l *Loop) Reprocess(ctx context.Context, units []omnirecorder.Unit) {
	for _, u := range units {
		l.logger.Info("reprocessing captured unit", "id", u.ID)
		l.dispatch(ctx, u)
	}
}

// Wait blocks until all scheduled postprocessing has finished.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) dispatch(ctx context.Context, u omnirecorder.Unit) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-l.sem }()

		if err := l.postprocess(ctx, u); err != nil {
			l.logger.Error("postprocess failed, unit kept", "id", u.ID, "error", err)
		}
	}()
}

func (l *Loop) postprocess(ctx context.Context, u omnirecorder.Unit) error {
	pp, ok := l.sensor.(omnirecorder.Postprocessor)
	if !ok {
		r, err := l.buf.Promote(u)
		if err != nil {
			return fmt.Errorf("%w: %v", omnirecorder.ErrPostprocess, err)
		}
		l.logger.Debug("unit ready", "key", r.Key)
		return nil
	}

	start := l.opts.now()
	dst, err := l.buf.ReadySlot(u)
	if err != nil {
		l.opts.Metrics.Postprocess(err)
		return fmt.Errorf("%w: %v", omnirecorder.ErrPostprocess, err)
	}
	if err := pp.Postprocess(ctx, u, dst); err != nil {
		_ = l.buf.Discard(dst)
		l.opts.Metrics.Postprocess(err)
		return fmt.Errorf("%w: %v", omnirecorder.ErrPostprocess, err)
	}
	r, err := l.buf.Publish(u, dst)
	if err != nil {
		_ = l.buf.Discard(dst)
		l.opts.Metrics.Postprocess(err)
		return fmt.Errorf("%w: %v", omnirecorder.ErrPostprocess, err)
	}
	l.opts.Metrics.Postprocess(nil)
	l.logger.Info("unit ready", "key", r.Key, "size", r.Size, "duration", l.opts.now().Sub(start))
	return nil
}

// pause sleeps between captures. A driver's Sleeper always runs; after a
// failed capture the pause is topped up to RetryDelay.
func (l *Loop) pause(ctx context.Context, failed bool) error {
	var d time.Duration
	if s, ok := l.sensor.(omnirecorder.Sleeper); ok {
		start := l.opts.now()
		if err := s.Sleep(ctx); err != nil {
			return err
		}
		if !failed {
			return nil
		}
		d = l.opts.RetryDelay - l.opts.now().Sub(start)
	} else {
		d = l.opts.CaptureDelay
		if failed && d < l.opts.RetryDelay {
			d = l.opts.RetryDelay
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	return l.opts.sleep(ctx, d)
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
