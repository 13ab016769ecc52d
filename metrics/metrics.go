// Package metrics exposes recorder health as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components never need to
// check whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/grokify/mogo/log/slogutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results and outcomes used as label values.
const (
	ResultOK    = "ok"
	ResultError = "error"

	OutcomeAcked     = "acked"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// Metrics holds the recorder collectors.
type Metrics struct {
	captures      *prometheus.CounterVec
	postprocess   *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	uploadLatency prometheus.Histogram
	bufferUnits   *prometheus.GaugeVec
	bufferBytes   *prometheus.GaugeVec
	quarantined   prometheus.Gauge
	removable     prometheus.Gauge
	linkWait      prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnirecorder_captures_total",
			Help: "Capture cycles by result.",
		}, []string{"result"}),
		postprocess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnirecorder_postprocess_total",
			Help: "Postprocess runs by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnirecorder_uploads_total",
			Help: "Upload attempts by outcome.",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omnirecorder_upload_bytes_total",
			Help: "Bytes of acknowledged uploads.",
		}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnirecorder_upload_duration_seconds",
			Help:    "Time from upload start to acknowledgement or failure.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		bufferUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnirecorder_buffer_units",
			Help: "Units in the buffer by stage.",
		}, []string{"stage"}),
		bufferBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnirecorder_buffer_bytes",
			Help: "Bytes in the buffer by stage.",
		}, []string{"stage"}),
		quarantined: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omnirecorder_quarantined_units",
			Help: "Units skipped after a permanent upload failure.",
		}),
		removable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omnirecorder_storage_removable",
			Help: "1 if the buffer is on removable media, 0 on internal fallback.",
		}),
		linkWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnirecorder_connectivity_wait_seconds",
			Help:    "Time spent waiting for the network before a sync pass.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
	}
	reg.MustRegister(
		m.captures, m.postprocess, m.uploads, m.uploadBytes, m.uploadLatency,
		m.bufferUnits, m.bufferBytes, m.quarantined, m.removable, m.linkWait,
	)
	return m
}

// Capture counts a capture cycle.
func (m *Metrics) Capture(err error) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(result(err)).Inc()
}

// Postprocess counts a postprocess run.
func (m *Metrics) Postprocess(err error) {
	if m == nil {
		return
	}
	m.postprocess.WithLabelValues(result(err)).Inc()
}

// Upload records one upload attempt. bytes is only counted when acked.
func (m *Metrics) Upload(outcome string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.uploadLatency.Observe(d.Seconds())
	if outcome == OutcomeAcked {
		m.uploadBytes.Add(float64(bytes))
	}
}

// Buffer sets the buffer gauges for one stage.
func (m *Metrics) Buffer(stage string, units int, bytes int64) {
	if m == nil {
		return
	}
	m.bufferUnits.WithLabelValues(stage).Set(float64(units))
	m.bufferBytes.WithLabelValues(stage).Set(float64(bytes))
}

// Quarantined sets the number of quarantined units.
func (m *Metrics) Quarantined(n int) {
	if m == nil {
		return
	}
	m.quarantined.Set(float64(n))
}

// StorageRemovable records which storage root was selected.
func (m *Metrics) StorageRemovable(removable bool) {
	if m == nil {
		return
	}
	if removable {
		m.removable.Set(1)
	} else {
		m.removable.Set(0)
	}
}

// ConnectivityWait observes time spent waiting for the network.
func (m *Metrics) ConnectivityWait(d time.Duration) {
	if m == nil {
		return
	}
	m.linkWait.Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
// A nil gatherer uses prometheus.DefaultGatherer.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slogutil.Null()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
