// Package connectivity decides when the network is usable for uploads.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
)

// Defaults.
const (
	DefaultPollInterval = time.Second
	DefaultAwaitTimeout = 5 * time.Minute
	DefaultProbeURL     = "https://www.google.com"
)

// Prober reports whether a remote endpoint is reachable right now.
// Every omnirecorder.Store is a Prober.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber checks reachability with an HTTP HEAD request. Any response,
// including an error status, proves the link is up.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe sends one HEAD request.
func (p HTTPProber) Probe(ctx context.Context) error {
	url := p.URL
	if url == "" {
		url = DefaultProbeURL
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Link models the out-of-band network interface, typically a cellular
// modem. The recorder brings it up before a sync pass and may bring it down
// afterwards to save power.
type Link interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

// NopLink is a Link for always-on networks.
type NopLink struct{}

// Up does nothing.
func (NopLink) Up(context.Context) error { return nil }

// Down does nothing.
func (NopLink) Down(context.Context) error { return nil }

// Guard blocks uploads until the network is reachable.
type Guard struct {
	Prober       Prober
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGuard returns a Guard with default timing.
func NewGuard(p Prober, logger *slog.Logger) *Guard {
	return &Guard{Prober: p, Logger: logger}
}

// Await polls until a probe succeeds or timeout elapses. A probe rejected
// permanently (omnirecorder.IsPermanent) counts as reachable: the remote
// answered, and the rejection surfaces on upload instead. It returns
// omnirecorder.ErrConnectivityTimeout on timeout and the context error if ctx
// is cancelled.
func (g *Guard) Await(ctx context.Context, timeout time.Duration) error {
	if g.Prober == nil {
		return nil
	}
	interval := g.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := g.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	deadline := time.Now().Add(timeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, interval*10)
		lastErr = g.Prober.Probe(pctx)
		cancel()
		if omnirecorder.IsPermanent(lastErr) {
			g.logger().Warn("probe rejected by remote, treating network as reachable", "error", lastErr)
			return nil
		}
		if lastErr == nil {
			if attempt > 1 {
				g.logger().Info("network reachable", "attempts", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Add(interval).Before(deadline) {
			return fmt.Errorf("%w after %s: %v", omnirecorder.ErrConnectivityTimeout, timeout, lastErr)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// AwaitForever repeats Await until the network is reachable or ctx is
// cancelled. Each timeout is logged.
func (g *Guard) AwaitForever(ctx context.Context) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	for {
		err := g.Await(ctx, timeout)
		if err == nil || !errors.Is(err, omnirecorder.ErrConnectivityTimeout) {
			return err
		}
		g.logger().Warn("network unreachable, still waiting", "error", err)
	}
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger == nil {
		return slogutil.Null()
	}
	return g.Logger
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
