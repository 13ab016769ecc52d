package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Capture(nil)
	m.Capture(nil)
	m.Capture(errors.New("arecord exited 1"))
	if got := testutil.ToFloat64(m.captures.WithLabelValues(ResultOK)); got != 2 {
		t.Fatalf("expected 2 ok captures, got %f", got)
	}
	if got := testutil.ToFloat64(m.captures.WithLabelValues(ResultError)); got != 1 {
		t.Fatalf("expected 1 failed capture, got %f", got)
	}

	m.Upload(OutcomeAcked, 1024, time.Second)
	m.Upload(OutcomeTransient, 4096, time.Second)
	if got := testutil.ToFloat64(m.uploadBytes); got != 1024 {
		t.Fatalf("expected 1024 uploaded bytes, got %f", got)
	}
	if samples := testutil.CollectAndCount(m.uploads); samples != 2 {
		t.Fatalf("expected 2 upload outcome series, got %d", samples)
	}

	m.Buffer("ready", 3, 300)
	if got := testutil.ToFloat64(m.bufferUnits.WithLabelValues("ready")); got != 3 {
		t.Fatalf("expected 3 ready units, got %f", got)
	}

	m.StorageRemovable(true)
	if got := testutil.ToFloat64(m.removable); got != 1 {
		t.Fatalf("expected removable gauge 1, got %f", got)
	}

	m.Quarantined(2)
	if got := testutil.ToFloat64(m.quarantined); got != 2 {
		t.Fatalf("expected quarantined gauge 2, got %f", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Capture(nil)
	m.Postprocess(nil)
	m.Upload(OutcomeAcked, 1, time.Second)
	m.Buffer("ready", 1, 1)
	m.Quarantined(1)
	m.StorageRemovable(true)
	m.ConnectivityWait(time.Second)
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Capture(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg, nil) }()

	var body string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, "omnirecorder_captures_total") {
		t.Errorf("metrics body missing captures counter: %q", body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}
