// Package orchestrator boots the recorder and runs its two long-lived loops.
//
// Boot order: device identity and logging, storage root, configuration,
// buffer recovery and adoption of internal backlog, log shipping, sensor
// setup, online or offline decision, then the recording loop and (online
// only) the sync worker side by side. The loops share nothing but the
// buffer directory.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/buffer"
	"github.com/grokify/omnirecorder/config"
	"github.com/grokify/omnirecorder/connectivity"
	"github.com/grokify/omnirecorder/logging"
	"github.com/grokify/omnirecorder/metrics"
	"github.com/grokify/omnirecorder/recorder"
	"github.com/grokify/omnirecorder/storage"
	"github.com/grokify/omnirecorder/store/multi"
	"github.com/grokify/omnirecorder/syncer"
)

// DefaultInternal is the internal storage root.
const DefaultInternal = "/home/pi/omnirecorder"

// StatsInterval is how often buffer gauges are refreshed.
const StatsInterval = 30 * time.Second

// Options holds the bootstrap settings that are needed before the
// configuration document can be read.
type Options struct {
	// Internal is the internal storage root. It holds the mirrored
	// configuration and is the fallback buffer root. Default: DefaultInternal.
	Internal string

	// Removable describes the removable medium. Empty MountPoint disables it.
	Removable storage.Removable

	// LogDir receives the process logs. Default: <Internal>/logs.
	LogDir string

	// CPUInfo is read for the device serial. Default: config.CPUInfoPath.
	CPUInfo string

	// Mounter mounts the removable medium. Default: storage.SystemMounter.
	Mounter storage.Mounter

	// Link controls the modem. Default: connectivity.NopLink.
	Link connectivity.Link

	// Stdout receives a copy of the log. Default: os.Stdout.
	Stdout io.Writer

	// OpenStore opens the remote store. Default: omnirecorder.OpenStore.
	OpenStore func(name string, config map[string]string) (omnirecorder.Store, error)

	// Registerer receives the collectors when metrics are enabled.
	// Default: a new registry.
	Registerer prometheus.Registerer
}

func (o *Options) applyDefaults() {
	if o.Internal == "" {
		o.Internal = DefaultInternal
	}
	if o.LogDir == "" {
		o.LogDir = filepath.Join(o.Internal, "logs")
	}
	if o.CPUInfo == "" {
		o.CPUInfo = config.CPUInfoPath
	}
	if o.Link == nil {
		o.Link = connectivity.NopLink{}
	}
	if o.OpenStore == nil {
		o.OpenStore = omnirecorder.OpenStore
	}
}

// Run boots the recorder and blocks until ctx is cancelled. It returns an
// error only for conditions the recorder cannot run under: no storage, no
// configuration, an unknown or unusable sensor.
func Run(ctx context.Context, opts Options) error {
	opts.applyDefaults()

	deviceID := config.DeviceID(opts.CPUInfo)
	plog, err := logging.Open(logging.Options{Dir: opts.LogDir, DeviceID: deviceID, Stdout: opts.Stdout})
	if err != nil {
		return err
	}
	defer func() { _ = plog.Close() }()
	logger := plog.Logger
	logger.Info("omnirecorder starting", "log", plog.Path)

	selector := &storage.Selector{
		Removable: opts.Removable,
		Internal:  opts.Internal,
		Mounter:   opts.Mounter,
		Logger:    logger,
	}
	root, err := selector.Select(ctx)
	if err != nil {
		logger.Error("no usable storage", "error", err)
		return err
	}

	removableConfig := ""
	if root.Removable {
		removableConfig = filepath.Join(root.Path, config.FileName)
	}
	res, err := config.Resolve(removableConfig, filepath.Join(opts.Internal, config.FileName), logger)
	if err != nil {
		logger.Error("no configuration", "error", err)
		return err
	}
	doc := res.Document
	plog.SetLevel(doc.LogLevel())
	logger.Info("configuration loaded", "source", res.Source, "sensor", doc.Sensor.Type,
		"project", doc.Device.ProjectID, "config", doc.Device.ConfigID)

	var m *metrics.Metrics
	if doc.Metrics.Addr != "" {
		if opts.Registerer == nil {
			opts.Registerer = prometheus.NewRegistry()
		}
		m = metrics.New(opts.Registerer)
	}
	m.StorageRemovable(root.Removable)

	buf, err := openBuffer(ctx, root, opts.Internal, doc.Prefix(deviceID), logger)
	if err != nil {
		return err
	}
	rec, err := buf.Recover(ctx)
	if err != nil {
		logger.Error("buffer recovery incomplete", "error", err)
	}

	if _, err := logging.Ship(ctx, opts.LogDir, plog.Path, buf, logger); err != nil {
		logger.Error("logs not shipped", "error", err)
	}

	sensor, err := omnirecorder.NewSensor(doc.Sensor.Type, omnirecorder.SensorConfig(doc.Sensor.Options), logger)
	if err != nil {
		logger.Error("sensor not available", "type", doc.Sensor.Type, "error", err)
		return err
	}
	optSet := omnirecorder.NewOptionSet(sensor.Options())
	sensorConfig := omnirecorder.SensorConfig(doc.Sensor.Options)
	if unknown := sensorConfig.Unknown(optSet); len(unknown) > 0 {
		logger.Warn("ignoring unknown sensor options", "options", unknown)
	}
	if err := sensor.Setup(ctx); err != nil {
		logger.Error("sensor setup failed", "type", doc.Sensor.Type, "error", err)
		return err
	}

	store := connect(ctx, doc, res, opts, logger)
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	loop := recorder.New(sensor, buf, recorder.Options{
		CaptureDelay: sensorConfig.Seconds(optSet, "capture_delay"),
		Logger:       logger,
		Metrics:      m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Reprocess(gctx, rec.Captured)
		return loop.Run(gctx)
	})
	if store != nil {
		worker := newWorker(doc, sensor, buf, store, opts.Link, logger, m)
		g.Go(func() error { return worker.Run(gctx) })
	}
	if m != nil {
		g.Go(func() error {
			gatherer, _ := opts.Registerer.(prometheus.Gatherer)
			if err := metrics.Serve(gctx, doc.Metrics.Addr, gatherer, logger); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			reportStats(gctx, buf, m, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("omnirecorder stopped")
	return err
}

// openBuffer opens the buffer on root. On removable media, units left in the
// internal buffer by earlier runs are moved over.
func openBuffer(ctx context.Context, root storage.Root, internal, prefix string, logger *slog.Logger) (*buffer.Buffer, error) {
	buf, err := buffer.Open(buffer.Options{Root: root.Path, Prefix: prefix, Logger: logger})
	if err != nil {
		return nil, err
	}
	if !root.Removable {
		return buf, nil
	}

	backlogDir := filepath.Join(internal, buffer.DefaultBase)
	if _, err := os.Stat(backlogDir); errors.Is(err, os.ErrNotExist) {
		return buf, nil
	}
	backlog, err := buffer.Open(buffer.Options{Root: internal, Prefix: prefix, Logger: logger})
	if err != nil {
		logger.Warn("internal backlog not opened", "error", err)
		return buf, nil
	}
	if _, err := backlog.Recover(ctx); err != nil {
		logger.Warn("internal backlog recovery incomplete", "error", err)
	}
	n, err := buf.Adopt(ctx, backlog)
	if err != nil {
		logger.Warn("internal backlog partly moved", "moved", n, "error", err)
	} else if n > 0 {
		logger.Info("internal backlog moved to removable storage", "units", n)
	}
	return buf, nil
}

// connect decides between online and offline operation and opens the store
// when online. A nil Store means offline.
func connect(ctx context.Context, doc *config.Document, res config.Resolution, opts Options, logger *slog.Logger) omnirecorder.Store {
	switch {
	case doc.OfflineMode:
		logger.Info("offline mode configured, uploads disabled")
		return nil
	case res.Offline:
		logger.Info("no configuration found, recording offline")
		return nil
	}

	if err := opts.Link.Up(ctx); err != nil {
		logger.Warn("modem not available, recording offline", "error", err)
		return nil
	}
	if err := opts.Link.Down(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("modem not disabled", "error", err)
	}

	store, err := openStore(doc.Store, opts.OpenStore)
	if err != nil {
		logger.Error("store not opened, recording offline", "type", doc.Store.Type, "error", err)
		return nil
	}
	logger.Info("uploads enabled", "store", doc.Store.Type, "mirrors", len(doc.Store.Mirrors))
	return store
}

// openStore opens the configured store and its mirrors.
func openStore(cfg config.Store, open func(string, map[string]string) (omnirecorder.Store, error)) (omnirecorder.Store, error) {
	primary, err := open(cfg.Type, cfg.Options)
	if err != nil {
		return nil, err
	}
	if len(cfg.Mirrors) == 0 {
		return primary, nil
	}

	stores := []omnirecorder.Store{primary}
	for _, m := range cfg.Mirrors {
		s, err := open(m.Type, m.Options)
		if err != nil {
			for _, opened := range stores {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("mirror %s: %w", m.Type, err)
		}
		stores = append(stores, s)
	}
	return multi.New(stores...)
}

func newWorker(doc *config.Document, sensor omnirecorder.Sensor, buf *buffer.Buffer, store omnirecorder.Store, link connectivity.Link, logger *slog.Logger, m *metrics.Metrics) *syncer.Worker {
	interval := doc.Sync.Interval
	if interval == 0 {
		if si, ok := sensor.(omnirecorder.SyncIntervaler); ok {
			interval = si.SyncInterval()
		}
	}
	if interval <= 0 {
		interval = syncer.DefaultInterval
	}
	startDelay := interval / 2
	if doc.Sync.StartDelay != nil {
		startDelay = *doc.Sync.StartDelay
	}

	var prober connectivity.Prober = store
	if doc.Connectivity.ProbeURL != "" {
		prober = connectivity.HTTPProber{URL: doc.Connectivity.ProbeURL}
	}
	guard := connectivity.NewGuard(prober, logger)
	guard.PollInterval = doc.Connectivity.PollInterval
	guard.Timeout = doc.Connectivity.Timeout

	backoff := syncer.DefaultBackoffConfig()
	if doc.Sync.InitialBackoff > 0 {
		backoff.InitialDelay = doc.Sync.InitialBackoff
	}
	if doc.Sync.MaxBackoff > 0 {
		backoff.MaxDelay = doc.Sync.MaxBackoff
	}

	logger.Info("sync worker configured", "interval", interval, "start_delay", startDelay)
	return syncer.New(buf, store, syncer.Options{
		Interval:               interval,
		StartDelay:             startDelay,
		Backoff:                backoff,
		BandwidthLimit:         doc.Sync.BandwidthLimit,
		Verify:                 doc.Sync.Verify,
		MaxConsecutiveFailures: doc.Sync.MaxConsecutiveFailures,
		UploadTimeout:          doc.Sync.UploadTimeout,
		Guard:                  guard,
		Link:                   link,
		Logger:                 logger,
		Metrics:                m,
	})
}

// reportStats refreshes the buffer gauges until ctx is cancelled.
func reportStats(ctx context.Context, buf *buffer.Buffer, m *metrics.Metrics, logger *slog.Logger) {
	t := time.NewTicker(StatsInterval)
	defer t.Stop()
	for {
		s, err := buf.Stats(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("buffer stats unavailable", "error", err)
		}
		if err == nil {
			m.Buffer(string(omnirecorder.StageCaptured), s.Captured, s.CapturedBytes)
			m.Buffer(string(omnirecorder.StageReady), s.Ready, s.ReadyBytes)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// CheckConfig loads and validates the document at path and prints the
// effective sensor settings to w.
func CheckConfig(path string, w io.Writer) error {
	doc, err := config.Load(path)
	if err != nil {
		return err
	}
	sensorConfig := omnirecorder.SensorConfig(doc.Sensor.Options)
	sensor, err := omnirecorder.NewSensor(doc.Sensor.Type, sensorConfig, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "sensor: %s\n", sensor.Name())
	for _, o := range sensor.Options() {
		v, ok := sensorConfig[o.Name]
		if !ok {
			v = o.Default
		}
		fmt.Fprintf(w, "  %s = %v\n", o.Name, v)
	}
	for _, name := range sensorConfig.Unknown(omnirecorder.NewOptionSet(sensor.Options())) {
		fmt.Fprintf(w, "  %s (unknown, ignored)\n", name)
	}
	fmt.Fprintf(w, "prefix: %s\n", doc.Prefix(config.DeviceID(config.CPUInfoPath)))
	fmt.Fprintf(w, "store: %s\n", doc.Store.Type)
	fmt.Fprintf(w, "offline: %t\n", doc.OfflineMode)
	return nil
}
