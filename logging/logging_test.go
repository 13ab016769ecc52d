package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grokify/omnirecorder/buffer"
	"github.com/grokify/omnirecorder/compress"
)

func TestFileName(t *testing.T) {
	start := time.Date(2026, 10, 17, 2, 5, 59, 0, time.UTC)
	if got := FileName("RPiID-00000000abcd", start); got != "rpi_eco_RPiID-00000000abcd_20261017_0205.log" {
		t.Errorf("FileName = %q", got)
	}
}

func TestOpenWritesBothOutputs(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	l, err := Open(Options{Dir: dir, DeviceID: "RPiID-1", Stdout: &stdout})
	if err != nil {
		t.Fatal(err)
	}

	l.Logger.Debug("hidden")
	l.Logger.Info("recording loop started")
	l.SetLevel(slog.LevelDebug)
	l.Logger.Debug("capture started", "id", "x")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(l.Path)
	if err != nil {
		t.Fatal(err)
	}
	for _, out := range []string{stdout.String(), string(data)} {
		if strings.Contains(out, "hidden") {
			t.Error("debug record written at info level")
		}
		if !strings.Contains(out, "recording loop started") || !strings.Contains(out, "device=RPiID-1") {
			t.Errorf("missing record in %q", out)
		}
		if !strings.Contains(out, "capture started") {
			t.Errorf("level change not applied in %q", out)
		}
	}
}

func TestShipMovesPreviousLogs(t *testing.T) {
	ctx := context.Background()
	logDir := t.TempDir()
	b, err := buffer.Open(buffer.Options{Root: t.TempDir(), Prefix: "proj_p/bugg_b/conf_c"})
	if err != nil {
		t.Fatal(err)
	}

	old := filepath.Join(logDir, "rpi_eco_RPiID-1_20261016_0200.log")
	current := filepath.Join(logDir, "rpi_eco_RPiID-1_20261017_0200.log")
	if err := os.WriteFile(old, []byte("yesterday\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(current, []byte("today\n"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := Ship(ctx, logDir, current, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("shipped %d, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("shipped log still in log dir")
	}
	if _, err := os.Stat(current); err != nil {
		t.Error("current log was shipped")
	}

	ready, err := b.Ready(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].Key != "logs/rpi_eco_RPiID-1_20261016_0200.log.zst" {
		t.Fatalf("Ready = %+v", ready)
	}

	f, err := os.Open(ready[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := compress.NewReader(f, compress.Zstd)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "yesterday\n" {
		t.Errorf("shipped content = %q", data)
	}
}
