package omnirecorder_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/buffer"
	"github.com/grokify/omnirecorder/compress"
	"github.com/grokify/omnirecorder/recorder"
	"github.com/grokify/omnirecorder/sensor/synthetic"
	_ "github.com/grokify/omnirecorder/store/file"
	"github.com/grokify/omnirecorder/syncer"
)

// TestIntegrationRecordAndUpload runs units from capture through to a file
// store and checks that what arrives matches what was recorded.
func TestIntegrationRecordAndUpload(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()

	sensor, err := synthetic.New(omnirecorder.SensorConfig{"record_length": 1, "record_freq": 200}, nil)
	if err != nil {
		t.Fatalf("synthetic.New failed: %v", err)
	}
	buf, err := buffer.Open(buffer.Options{Root: t.TempDir(), Prefix: "proj_p/bugg_b/conf_c"})
	if err != nil {
		t.Fatalf("buffer.Open failed: %v", err)
	}

	loop := recorder.New(sensor, buf, recorder.Options{})
	for i := 0; i < 3; i++ {
		if err := loop.Cycle(ctx); err != nil {
			t.Fatalf("Cycle failed: %v", err)
		}
	}
	loop.Wait()

	store, err := omnirecorder.OpenStore("file", map[string]string{"root": remote})
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	worker := syncer.New(buf, store, syncer.Options{Verify: true})
	res, err := worker.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if res.Uploaded != 3 || res.Failed != 0 {
		t.Fatalf("Pass = %+v, want 3 uploaded", res)
	}

	stats, _ := buf.Stats(ctx)
	if stats.Ready != 0 || stats.Captured != 0 {
		t.Errorf("buffer not drained: %+v", stats)
	}

	matches, _ := filepath.Glob(filepath.Join(remote, "proj_p", "bugg_b", "conf_c", "*.wav.zst"))
	if len(matches) != 3 {
		t.Fatalf("remote has %d units, want 3", len(matches))
	}
	for _, m := range matches {
		f, err := os.Open(m)
		if err != nil {
			t.Fatal(err)
		}
		r, err := compress.NewReader(f, compress.Zstd)
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != 44+2*200 || !bytes.HasPrefix(data, []byte("RIFF")) {
			t.Errorf("%s: unexpected content (%d bytes)", m, len(data))
		}
	}
}

func ExampleNewUnitID() {
	start := time.Date(2026, 10, 17, 2, 0, 0, 123e6, time.UTC)
	fmt.Println(omnirecorder.NewUnitID(start))
	// Output: 2026-10-17T02_00_00.123Z
}

func ExampleFileName() {
	fmt.Println(omnirecorder.FileName("2026-10-17T02_00_00.000Z", "mp3"))
	fmt.Println(omnirecorder.FileName("2026-10-17T02_00_00.000Z", ""))
	// Output:
	// 2026-10-17T02_00_00.000Z.mp3
	// 2026-10-17T02_00_00.000Z
}
